package checks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/pageparity/pageparity/internal/screenshot"
)

// BlobStore persists captured screenshots. The storage implementations in
// internal/storage (local filesystem, GCS) satisfy it.
type BlobStore interface {
	PutObject(ctx context.Context, objectPath, contentType string, data io.Reader) (string, error)
}

// ScreenshotCheck captures both sides at one viewport and stores the images.
type ScreenshotCheck struct {
	key      string
	viewport screenshot.Viewport
	capturer screenshot.Capturer
	blobs    BlobStore
}

// NewScreenshotDesktop builds the desktop-viewport handler.
func NewScreenshotDesktop(capturer screenshot.Capturer, blobs BlobStore) *ScreenshotCheck {
	return &ScreenshotCheck{
		key:      KeyScreenshotDesktop,
		viewport: screenshot.ViewportDesktop,
		capturer: capturer,
		blobs:    blobs,
	}
}

// NewScreenshotMobile builds the mobile-viewport handler.
func NewScreenshotMobile(capturer screenshot.Capturer, blobs BlobStore) *ScreenshotCheck {
	return &ScreenshotCheck{
		key:      KeyScreenshotMobile,
		viewport: screenshot.ViewportMobile,
		capturer: capturer,
		blobs:    blobs,
	}
}

// Key implements Handler.
func (c *ScreenshotCheck) Key() string { return c.key }

type screenshotSide struct {
	URL    string `json:"url"`
	Path   string `json:"path"`
	Width  int64  `json:"width"`
	Height int64  `json:"height"`
	Bytes  int    `json:"bytes"`
}

type screenshotResult struct {
	Status   string         `json:"status"`
	Viewport string         `json:"viewport"`
	Old      screenshotSide `json:"old"`
	New      screenshotSide `json:"new"`
}

// Run implements Handler.
func (c *ScreenshotCheck) Run(ctx context.Context, sc *ScanContext) (json.RawMessage, error) {
	oldSide, err := c.captureSide(ctx, sc, sc.URLOld, "old")
	if err != nil {
		return nil, fmt.Errorf("capture old side: %w", err)
	}
	newSide, err := c.captureSide(ctx, sc, sc.URLNew, "new")
	if err != nil {
		return nil, fmt.Errorf("capture new side: %w", err)
	}

	payload, err := json.Marshal(screenshotResult{
		Status:   StatusOK,
		Viewport: c.viewport.Name,
		Old:      oldSide,
		New:      newSide,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal screenshot result: %w", err)
	}
	return payload, nil
}

func (c *ScreenshotCheck) captureSide(ctx context.Context, sc *ScanContext, url, side string) (screenshotSide, error) {
	image, err := c.capturer.Capture(ctx, url, c.viewport)
	if err != nil {
		return screenshotSide{}, err
	}

	objectPath := path.Join("screenshots", sc.RunID.String(), sc.ScanID.String(),
		fmt.Sprintf("%s-%s.png", side, c.viewport.Name))
	stored, err := c.blobs.PutObject(ctx, objectPath, "image/png", bytes.NewReader(image))
	if err != nil {
		return screenshotSide{}, fmt.Errorf("store screenshot: %w", err)
	}

	return screenshotSide{
		URL:    url,
		Path:   stored,
		Width:  c.viewport.Width,
		Height: c.viewport.Height,
		Bytes:  len(image),
	}, nil
}
