package browserstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/FranksOps/partprice/internal/strategy"
)

const pingTimeout = 2 * time.Second

type rodDriver struct {
	remote   string
	headless bool
	stealth  bool
	sess     *session[*rod.Browser]
}

func newRod(cfg strategy.Config) *rodDriver {
	d := &rodDriver{
		remote:   cfg.String(KeyRemoteURL, ""),
		headless: cfg.Bool(KeyHeadless, true),
		stealth:  cfg.Bool(KeyStealth, false),
	}
	d.sess = newSession(d.launch, ping)
	return d
}

func (d *rodDriver) launch() (*rod.Browser, func() error, error) {
	var l *launcher.Launcher
	controlURL := d.remote
	if controlURL == "" {
		l = launcher.New().Headless(d.headless)
		u, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("launch chromium: %w", err)
		}
		controlURL = u
	}
	kill := func() {
		if l != nil {
			l.Kill()
			l.Cleanup()
		}
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		kill()
		return nil, nil, fmt.Errorf("connect browser: %w", err)
	}
	stop := func() error {
		err := b.Close()
		kill()
		return err
	}
	return b, stop, nil
}

// ping reports whether the browser still answers over CDP.
func ping(b *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	_, err := b.Context(ctx).Version()
	return err == nil
}

func (d *rodDriver) run(ctx context.Context, pageURL, waitSelector, fn string) (string, error) {
	b, err := d.sess.get(ctx)
	if err != nil {
		return "", err
	}

	var p *rod.Page
	if d.stealth {
		p, err = stealth.Page(b)
	} else {
		p, err = b.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return "", fmt.Errorf("open tab: %w", err)
	}
	defer func() { _ = p.Close() }()

	tab := p.Context(ctx)
	if err := tab.Navigate(pageURL); err != nil {
		return "", err
	}
	if _, err := tab.Element(waitSelector); err != nil {
		return "", fmt.Errorf("wait for %q: %w", waitSelector, err)
	}
	res, err := tab.Eval(fn)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (d *rodDriver) Close() error {
	return d.sess.close()
}
