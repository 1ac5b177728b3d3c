// Package catalog fetches raw publication metadata from the paginated
// preprint details API, one date window at a time.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/fetcher"
	"github.com/JakeFAU/preprint-harvester/internal/policy/retry"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

// ErrIncomplete marks a window whose page loop was cut short. Records
// accumulated before the failure are still returned.
var ErrIncomplete = errors.New("catalog fetch incomplete")

// Config holds the catalog endpoint settings.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	Server  string `mapstructure:"server"`
}

// Client implements publication.CatalogClient.
type Client struct {
	baseURL  string
	fetcher  fetcher.Fetcher
	retry    *retry.Policy
	notifier publication.Notifier
	logger   *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithNotifier routes operator messages to n.
func WithNotifier(n publication.Notifier) Option {
	return func(c *Client) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetryPolicy overrides the default three-attempt policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(c *Client) {
		if p != nil {
			c.retry = p
		}
	}
}

// New builds a Client on top of f.
func New(cfg Config, f fetcher.Fetcher, opts ...Option) (*Client, error) {
	if f == nil {
		return nil, errors.New("catalog: fetcher is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("catalog: base url is required")
	}
	c := &Client{
		baseURL:  base,
		fetcher:  f,
		retry:    retry.New(retry.Config{}),
		notifier: nopNotifier{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch returns every valid record for a single day.
func (c *Client) Fetch(ctx context.Context, day time.Time) ([]publication.Publication, error) {
	return c.FetchRange(ctx, day, day)
}

// FetchRange walks the page cursor for [from, to] until the reported total is
// reached, a page comes back empty, or a request fails after retries.
func (c *Client) FetchRange(ctx context.Context, from, to time.Time) ([]publication.Publication, error) {
	fromDay, toDay := publication.FormatDay(from), publication.FormatDay(to)
	var out []publication.Publication
	cursor := 0
	for {
		page, err := c.fetchPage(ctx, fromDay, toDay, cursor)
		if err != nil {
			c.notifier.Notify(fmt.Sprintf("catalog fetch %s..%s stopped at cursor %d: %v", fromDay, toDay, cursor, err))
			return out, fmt.Errorf("%w: %s..%s cursor %d: %w", ErrIncomplete, fromDay, toDay, cursor, err)
		}
		out = append(out, c.decode(page.Collection)...)

		n := len(page.Collection)
		total := page.Total()
		c.logger.Debug("catalog page",
			zap.String("from", fromDay),
			zap.String("to", toDay),
			zap.Int("cursor", cursor),
			zap.Int("count", n),
			zap.Int("total", total),
		)
		if n == 0 || cursor+n >= total {
			return out, nil
		}
		cursor += n
	}
}

func (c *Client) pageURL(from, to string, cursor int) string {
	return fmt.Sprintf("%s/%s/%s/%d/json", c.baseURL, from, to, cursor)
}

func (c *Client) fetchPage(ctx context.Context, from, to string, cursor int) (publication.Page, error) {
	url := c.pageURL(from, to, cursor)
	var page publication.Page
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := c.fetcher.Fetch(ctx, fetcher.Request{
			URL:     url,
			Headers: http.Header{"Accept": {"application/json"}},
		})
		if err != nil {
			return fmt.Errorf("fetch page: %w", err)
		}
		if err := fetcher.CheckStatus(resp); err != nil {
			return err
		}
		var decoded publication.Page
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			return fmt.Errorf("decode page %s: %w", url, err)
		}
		page = decoded
		return nil
	})
	if err != nil {
		return publication.Page{}, err
	}
	return page, nil
}

func (c *Client) decode(collection []json.RawMessage) []publication.Publication {
	out := make([]publication.Publication, 0, len(collection))
	for i, msg := range collection {
		var raw publication.RawRecord
		if err := json.Unmarshal(msg, &raw); err != nil {
			c.skip(i, fmt.Errorf("%w: %w", publication.ErrInvalidRecord, err))
			continue
		}
		pub, err := raw.Validate()
		if err != nil {
			c.skip(i, err)
			continue
		}
		out = append(out, pub)
	}
	return out
}

func (c *Client) skip(index int, err error) {
	c.logger.Warn("skipping catalog record", zap.Int("index", index), zap.Error(err))
	c.notifier.Notify(fmt.Sprintf("skipped malformed catalog record: %v", err))
}

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}
