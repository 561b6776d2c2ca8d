package strategy

import (
	"strings"
	"sync"
)

// Descriptor is the identity half of a strategy.
type Descriptor struct {
	StoreName string
	Type      Type
	Enabled   bool
}

// Loader produces a strategy's configuration. It runs at most once.
type Loader func() (map[string]string, error)

// Static returns a Loader for a fixed map.
func Static(m map[string]string) Loader {
	return func() (map[string]string, error) { return m, nil }
}

// Base implements everything in Strategy except FetchOffers. Embed it.
type Base struct {
	desc Descriptor
	load Loader

	once    sync.Once
	cfg     Config
	loadErr error
}

// NewBase creates a Base. The loader runs on first use of Configuration
// or Load; constructors should call Load so configuration errors surface at
// startup rather than on the first request.
func NewBase(desc Descriptor, load Loader) *Base {
	if load == nil {
		load = Static(nil)
	}
	return &Base{desc: desc, load: load}
}

func (b *Base) StoreName() string { return b.desc.StoreName }
func (b *Base) Type() Type        { return b.desc.Type }
func (b *Base) Enabled() bool     { return b.desc.Enabled }

// Descriptor returns the identity record.
func (b *Base) Descriptor() Descriptor { return b.desc }

// Load fetches the configuration once and returns it, or the load error.
func (b *Base) Load() (Config, error) {
	b.once.Do(func() {
		m, err := b.load()
		if err != nil {
			b.loadErr = err
			b.cfg = NewConfig(nil)
			return
		}
		b.cfg = NewConfig(m)
	})
	return b.cfg, b.loadErr
}

// Configuration returns the loaded configuration. After a failed load it
// returns an empty Config.
func (b *Base) Configuration() Config {
	cfg, _ := b.Load()
	return cfg
}

// SupportsStore matches the store name or any configured alias,
// case-insensitively.
func (b *Base) SupportsStore(name string) bool {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, b.desc.StoreName) {
		return true
	}
	for _, alias := range b.Configuration().List(KeyAliases) {
		if strings.EqualFold(name, alias) {
			return true
		}
	}
	return false
}
