package csvsource

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pageparity/pageparity/internal/record"
)

// exportFields is the column set requested from the dashboard export.
const exportFields = "pagePath,previewUrlAuto,contentStackUrl,directionFinal," +
	"remarksDs,approachCombined,targetTemplateCombined,lastReplicationDate"

// Client fetches inventory rows from the migration dashboard's CSV export.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// ClientConfig configures the dashboard client.
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// NewClient builds a dashboard export client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  cfg.UserAgent,
	}
}

// Fetch downloads the inventory for one business unit. Only pages marked
// directionFinal=Keep are requested; everything else is out of scope for
// comparison.
func (c *Client) Fetch(ctx context.Context, req record.FetchRequest) ([]Row, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("no dashboard base url configured")
	}

	q := url.Values{}
	q.Set("directionFinal", "Keep")
	q.Set("facets", "directionFinal")
	q.Set("visibleFields", exportFields)
	for _, bu := range req.BUCombined {
		q.Add("buCombined", bu)
	}
	if len(req.Locales) > 0 {
		q.Set("locales", strings.Join(req.Locales, ","))
	}
	q.Set("format", "csv")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/export?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build export request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/csv")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch inventory export: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inventory export returned %s", resp.Status)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "csv") {
		return nil, fmt.Errorf("inventory export returned %q, expected csv", contentType)
	}

	rows, err := Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse inventory export: %w", err)
	}
	return rows, nil
}
