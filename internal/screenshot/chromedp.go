package screenshot

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

// Config controls the chromedp capturer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// ChromeCapturer implements Capturer with a long-lived Chrome allocator. A
// fresh browsing context is acquired per capture and always released, so
// one failed capture cannot leak contexts.
type ChromeCapturer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChrome starts the exec allocator shared by all captures.
func NewChrome(cfg Config) (*ChromeCapturer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromeCapturer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (c *ChromeCapturer) Close() {
	c.allocCancel()
}

// Capture renders the page at the viewport and returns a full-page PNG.
func (c *ChromeCapturer) Capture(ctx context.Context, url string, viewport Viewport) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	defer cancel()

	var image []byte
	actions := []chromedp.Action{
		c.emulationAction(viewport),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.FullScreenshot(&image, 90),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp capture: %w", err)
	}
	return image, nil
}

func (c *ChromeCapturer) emulationAction(viewport Viewport) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		err := emulation.SetDeviceMetricsOverride(viewport.Width, viewport.Height, 1, viewport.Mobile).Do(ctx)
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

func (c *ChromeCapturer) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture slot wait canceled: %w", ctx.Err())
	}
}

func (c *ChromeCapturer) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}
