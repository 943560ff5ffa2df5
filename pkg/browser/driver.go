package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/daksha-ai/daksha/internal/config"
)

// PageResult holds the outcome of a navigation.
type PageResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Driver runs a single headless browser and hands out pages from a
// bounded pool. All operations validate URLs against the configured
// policy before touching the network.
type Driver struct {
	cfg    config.BrowserConfig
	policy URLPolicy
	log    zerolog.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	slots    chan struct{}
}

// NewDriver creates a driver. The browser process is launched lazily on
// first use so construction never fails.
func NewDriver(cfg config.BrowserConfig, log zerolog.Logger) *Driver {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 4
	}
	policy := URLPolicy{
		AllowedSchemes: cfg.AllowedSchemes,
		BlockedDomains: cfg.BlockedDomains,
	}
	if len(policy.AllowedSchemes) == 0 {
		policy.AllowedSchemes = DefaultPolicy().AllowedSchemes
	}
	return &Driver{
		cfg:    cfg,
		policy: policy,
		log:    log.With().Str("component", "browser").Logger(),
		slots:  make(chan struct{}, maxPages),
	}
}

// Policy exposes the active URL policy.
func (d *Driver) Policy() URLPolicy { return d.policy }

func (d *Driver) ensureBrowser() (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return d.browser, nil
	}

	l := launcher.New().Headless(d.cfg.Headless)
	cdpURL, err := l.Launch()
	if err != nil {
		return nil, &Error{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("launch browser: %v", err)}
	}

	b := rod.New().ControlURL(cdpURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, &Error{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("connect browser: %v", err)}
	}

	d.launcher = l
	d.browser = b
	d.log.Info().Bool("headless", d.cfg.Headless).Msg("browser launched")
	return b, nil
}

// acquirePage blocks until a page slot is free, then opens a blank page.
func (d *Driver) acquirePage(ctx context.Context) (*rod.Page, func(), error) {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, &Error{Code: ErrCodeTimeout, Message: "waiting for a free page slot"}
	}

	b, err := d.ensureBrowser()
	if err != nil {
		<-d.slots
		return nil, nil, err
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		<-d.slots
		return nil, nil, &Error{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("open page: %v", err)}
	}

	release := func() {
		_ = page.Close()
		<-d.slots
	}
	return page, release, nil
}

func (d *Driver) navTimeout() time.Duration {
	if d.cfg.NavTimeout > 0 {
		return d.cfg.NavTimeout
	}
	return 30 * time.Second
}

// Navigate loads the URL, waits for the page to settle and returns its
// title and full visible text.
func (d *Driver) Navigate(ctx context.Context, rawURL string) (*PageResult, error) {
	if err := d.policy.Validate(rawURL); err != nil {
		return nil, err
	}

	page, release, err := d.acquirePage(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	timeout := d.navTimeout()
	if err := page.Timeout(timeout).Navigate(rawURL); err != nil {
		return nil, mapNavError(rawURL, err)
	}
	if err := page.Timeout(timeout).WaitLoad(); err != nil {
		return nil, mapNavError(rawURL, err)
	}

	info, err := page.Info()
	if err != nil {
		return nil, &Error{Code: ErrCodeNavigation, Message: fmt.Sprintf("page info: %v", err)}
	}
	text, err := d.extractText(page)
	if err != nil {
		return nil, err
	}

	d.log.Debug().Str("url", rawURL).Int("text_len", len(text)).Msg("navigated")
	return &PageResult{URL: info.URL, Title: info.Title, Text: text}, nil
}

// ExtractSelector navigates and returns the text content of the first
// element matching the CSS selector.
func (d *Driver) ExtractSelector(ctx context.Context, rawURL, selector string) (string, error) {
	if err := d.policy.Validate(rawURL); err != nil {
		return "", err
	}

	page, release, err := d.acquirePage(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	timeout := d.navTimeout()
	if err := page.Timeout(timeout).Navigate(rawURL); err != nil {
		return "", mapNavError(rawURL, err)
	}
	if err := page.Timeout(timeout).WaitLoad(); err != nil {
		return "", mapNavError(rawURL, err)
	}

	elem, err := page.Timeout(timeout).Element(selector)
	if err != nil {
		return "", &Error{Code: ErrCodeElementNotFound, Message: fmt.Sprintf("selector %q: %v", selector, err)}
	}
	text, err := elem.Text()
	if err != nil {
		return "", &Error{Code: ErrCodeScriptExecution, Message: fmt.Sprintf("element text: %v", err)}
	}
	return text, nil
}

// Click navigates to the URL, clicks the first element matching the
// selector, and returns the settled page state.
func (d *Driver) Click(ctx context.Context, rawURL, selector string) (*PageResult, error) {
	if err := d.policy.Validate(rawURL); err != nil {
		return nil, err
	}

	page, release, err := d.acquirePage(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	timeout := d.navTimeout()
	if err := page.Timeout(timeout).Navigate(rawURL); err != nil {
		return nil, mapNavError(rawURL, err)
	}
	if err := page.Timeout(timeout).WaitLoad(); err != nil {
		return nil, mapNavError(rawURL, err)
	}

	elem, err := page.Timeout(timeout).Element(selector)
	if err != nil {
		return nil, &Error{Code: ErrCodeElementNotFound, Message: fmt.Sprintf("selector %q: %v", selector, err)}
	}
	if err := elem.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, &Error{Code: ErrCodeScriptExecution, Message: fmt.Sprintf("click %q: %v", selector, err)}
	}
	if err := page.Timeout(timeout).WaitLoad(); err != nil {
		return nil, mapNavError(rawURL, err)
	}

	info, err := page.Info()
	if err != nil {
		return nil, &Error{Code: ErrCodeNavigation, Message: fmt.Sprintf("page info: %v", err)}
	}
	text, err := d.extractText(page)
	if err != nil {
		return nil, err
	}
	return &PageResult{URL: info.URL, Title: info.Title, Text: text}, nil
}

func (d *Driver) extractText(page *rod.Page) (string, error) {
	result, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", &Error{Code: ErrCodeScriptExecution, Message: fmt.Sprintf("extract text: %v", err)}
	}
	return result.Value.String(), nil
}

// Close shuts down the browser process if it was launched.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	if d.launcher != nil {
		d.launcher.Cleanup()
	}
	d.browser = nil
	d.launcher = nil
	d.log.Info().Msg("browser closed")
	return err
}

func mapNavError(rawURL string, err error) error {
	var berr *Error
	if errors.As(err, &berr) {
		return berr
	}
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "context deadline exceeded"):
		return &Error{Code: ErrCodeTimeout, Message: fmt.Sprintf("navigate %s: timed out", rawURL)}
	case strings.Contains(msg, "net::ERR_NAME_NOT_RESOLVED") || strings.Contains(msg, "net::ERR_CONNECTION_REFUSED"):
		return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("navigate %s: %s", rawURL, msg)}
	default:
		return &Error{Code: ErrCodeNavigation, Message: fmt.Sprintf("navigate %s: %s", rawURL, msg)}
	}
}
