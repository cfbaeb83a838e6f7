package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// CDPDialer launches headless Chrome processes and drives them over the
// DevTools protocol.
type CDPDialer struct {
	// Headless can be disabled for local debugging.
	Headless bool
}

func NewCDPDialer() *CDPDialer { return &CDPDialer{Headless: true} }

func (d *CDPDialer) Dial(ctx context.Context, opts ConnOptions) (Conn, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.UserAgent(opts.Fingerprint.UserAgent),
		chromedp.WindowSize(opts.Fingerprint.ViewportWidth, opts.Fingerprint.ViewportHeight),
		chromedp.Flag("lang", opts.Fingerprint.Language),
	)
	if !d.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if opts.ProxyURL != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyURL))
	}

	// The browser outlives any single task, so it hangs off Background,
	// not the acquire context.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	c := &cdpConn{ctx: browserCtx, cancel: func() { cancelBrowser(); cancelAlloc() }}

	// Start the process and apply the pinned identity up front.
	err := chromedp.Run(browserCtx,
		emulation.SetTimezoneOverride(opts.Fingerprint.Timezone),
		emulation.SetDeviceMetricsOverride(
			int64(opts.Fingerprint.ViewportWidth), int64(opts.Fingerprint.ViewportHeight), 1, false),
	)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return c, nil
}

type cdpConn struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *cdpConn) run(ctx context.Context, actions ...chromedp.Action) error {
	// Respect the caller's deadline while running against the browser's
	// own context.
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(c.ctx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *cdpConn) Navigate(ctx context.Context, url string) error {
	return c.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (c *cdpConn) Click(ctx context.Context, selector string) error {
	return c.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (c *cdpConn) SendKeys(ctx context.Context, selector, text string) error {
	return c.run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

func (c *cdpConn) Text(ctx context.Context, selector string) (string, error) {
	var out string
	err := c.run(ctx, chromedp.Text(selector, &out, chromedp.ByQuery))
	return out, err
}

func (c *cdpConn) Evaluate(ctx context.Context, js string, out any) error {
	return c.run(ctx, chromedp.Evaluate(js, out))
}

func (c *cdpConn) AuthState(ctx context.Context) (json.RawMessage, error) {
	var cookies []*network.Cookie
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return json.Marshal(cookies)
}

func (c *cdpConn) RestoreAuthState(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var cookies []*network.CookieParam
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return fmt.Errorf("decode auth state: %w", err)
	}
	if len(cookies) == 0 {
		return nil
	}
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(cookies).Do(ctx)
	}))
}

func (c *cdpConn) Healthy() bool { return c.ctx.Err() == nil }

func (c *cdpConn) Close(ctx context.Context) error {
	err := chromedp.Cancel(c.ctx)
	c.cancel()
	return err
}
