// Package screenshot captures full-page screenshots through a shared
// headless Chrome process.
package screenshot

import "context"

// Viewport is a named capture size.
type Viewport struct {
	Name   string
	Width  int64
	Height int64
	Mobile bool
}

// Capture viewports used by the screenshot checks.
var (
	ViewportDesktop = Viewport{Name: "desktop", Width: 1440, Height: 900}
	ViewportMobile  = Viewport{Name: "mobile", Width: 390, Height: 844, Mobile: true}
)

// Capturer renders a page and returns a PNG.
type Capturer interface {
	Capture(ctx context.Context, url string, viewport Viewport) ([]byte, error)
}
