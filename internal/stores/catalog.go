// Package stores loads the store catalog and builds the strategy registry
// from it.
package stores

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/FranksOps/partprice/internal/fetch"
	"github.com/FranksOps/partprice/internal/strategy"
	"github.com/FranksOps/partprice/internal/strategy/apistore"
	"github.com/FranksOps/partprice/internal/strategy/browserstore"
	"github.com/FranksOps/partprice/internal/strategy/htmlstore"
)

// Entry is one store in the catalog file.
type Entry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Enabled *bool  `yaml:"enabled"`
	// Config holds the strategy tunables. Values may reference environment
	// variables as ${NAME}.
	Config map[string]string `yaml:"config"`
	// ConfigFile, when set, is a YAML map read on first use and merged under
	// Config.
	ConfigFile string `yaml:"config_file"`
}

// IsEnabled defaults to true.
func (e Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Catalog is the parsed catalog file.
type Catalog struct {
	Stores []Entry `yaml:"stores"`
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stores: read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("stores: decode catalog: %w", err)
	}

	ids := make(map[string]bool, len(c.Stores))
	for i := range c.Stores {
		e := &c.Stores[i]
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			return nil, fmt.Errorf("stores: entry %d has no name", i)
		}
		if e.ID == "" {
			e.ID = slug(e.Name)
		}
		if ids[e.ID] {
			return nil, fmt.Errorf("stores: duplicate store id %q", e.ID)
		}
		ids[e.ID] = true
		if _, err := strategy.ParseType(e.Type); err != nil {
			return nil, fmt.Errorf("stores: %s: %w", e.Name, err)
		}
	}
	return &c, nil
}

// Build constructs every strategy and registers them in catalog order.
// Disabled stores are built too, so their configuration is still checked.
func (c *Catalog) Build(f *fetch.Fetcher, logger *slog.Logger) (*strategy.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	regs := make([]strategy.Registration, 0, len(c.Stores))
	for _, e := range c.Stores {
		s, err := build(e, f, logger)
		if err != nil {
			for _, r := range regs {
				if closer, ok := r.Strategy.(interface{ Close() error }); ok {
					_ = closer.Close()
				}
			}
			return nil, err
		}
		regs = append(regs, strategy.Registration{StoreID: e.ID, Strategy: s})
	}
	reg, err := strategy.NewRegistry(regs...)
	if err != nil {
		return nil, fmt.Errorf("stores: %w", err)
	}
	logger.Info("store catalog loaded", "stores", reg.Len())
	return reg, nil
}

func build(e Entry, f *fetch.Fetcher, logger *slog.Logger) (strategy.Strategy, error) {
	typ, err := strategy.ParseType(e.Type)
	if err != nil {
		return nil, fmt.Errorf("stores: %s: %w", e.Name, err)
	}
	desc := strategy.Descriptor{StoreName: e.Name, Type: typ, Enabled: e.IsEnabled()}
	load := e.loader()

	switch typ {
	case strategy.TypeAPI:
		return apistore.New(desc, load, f, logger)
	case strategy.TypeHTML:
		return htmlstore.New(desc, load, f, logger)
	default:
		return browserstore.New(desc, load, logger)
	}
}

// loader merges the optional config file under the inline config and
// expands environment references.
func (e Entry) loader() strategy.Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string)
		if e.ConfigFile != "" {
			data, err := os.ReadFile(e.ConfigFile)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", e.ConfigFile, err)
			}
			var fileCfg map[string]string
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", e.ConfigFile, err)
			}
			for k, v := range fileCfg {
				out[k] = os.ExpandEnv(v)
			}
		}
		for k, v := range e.Config {
			out[k] = os.ExpandEnv(v)
		}
		return out, nil
	}
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
