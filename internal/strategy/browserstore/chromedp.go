package browserstore

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"

	"github.com/FranksOps/partprice/internal/strategy"
)

type chromedpDriver struct {
	remote string
	opts   []chromedp.ExecAllocatorOption
	sess   *session[context.Context]
}

func newChromedp(cfg strategy.Config) *chromedpDriver {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if !cfg.Bool(KeyHeadless, true) {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if ua := cfg.String(KeyUserAgent, ""); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	d := &chromedpDriver{remote: cfg.String(KeyRemoteURL, ""), opts: opts}
	// The browser context is cancelled once Chrome exits or the allocator
	// goes away.
	d.sess = newSession(d.launch, func(b context.Context) bool { return b.Err() == nil })
	return d
}

// launch starts (or attaches to) a browser that outlives any single call.
func (d *chromedpDriver) launch() (context.Context, func() error, error) {
	var (
		alloc       context.Context
		cancelAlloc context.CancelFunc
	)
	if d.remote != "" {
		alloc, cancelAlloc = chromedp.NewRemoteAllocator(context.Background(), d.remote)
	} else {
		alloc, cancelAlloc = chromedp.NewExecAllocator(context.Background(), d.opts...)
	}
	browser, cancelBrowser := chromedp.NewContext(alloc)
	if err := chromedp.Run(browser); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, nil, fmt.Errorf("start chrome: %w", err)
	}
	stop := func() error {
		cancelBrowser()
		cancelAlloc()
		return nil
	}
	return browser, stop, nil
}

func (d *chromedpDriver) run(ctx context.Context, pageURL, waitSelector, fn string) (string, error) {
	browser, err := d.sess.get(ctx)
	if err != nil {
		return "", err
	}

	tab, closeTab := chromedp.NewContext(browser)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	var out string
	err = chromedp.Run(tab,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(waitSelector, chromedp.ByQuery),
		chromedp.Evaluate("("+fn+")()", &out),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if browser.Err() != nil {
			return "", fmt.Errorf("browser exited: %w", err)
		}
		return "", err
	}
	return out, nil
}

func (d *chromedpDriver) Close() error {
	return d.sess.close()
}
