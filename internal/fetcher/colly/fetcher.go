// Package collyfetcher implements fetcher.Fetcher on a gocolly collector. It
// serves both the catalog JSON pages and the PDF downloads.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/preprint-harvester/internal/fetcher"
	"github.com/JakeFAU/preprint-harvester/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string `mapstructure:"user_agent"`
	// Contact is sent as the From header so catalog operators can reach
	// whoever runs the harvester.
	Contact       string        `mapstructure:"contact"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// MaxBodyBytes caps response bodies; 0 means unlimited. PDFs are the
	// largest bodies, so size it for them.
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
}

// Fetcher issues one GET per Fetch call. Collectors are cloned per call so
// concurrent fetches never share callbacks.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	base      *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher with a pooled transport.
func New(cfg Config) *Fetcher {
	return NewWithTransport(cfg, newHTTPTransport())
}

// NewWithTransport builds a Fetcher on a caller-supplied transport.
func NewWithTransport(cfg Config, transport http.RoundTripper) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := colly.NewCollector(colly.Async(false))
	base.WithTransport(transport)
	return &Fetcher{cfg: cfg, transport: transport, base: base}
}

// Fetch GETs request.URL. Every status code comes back as a Response; only
// transport failures and cancellation produce an error.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, error) {
	v := &visit{req: request, contact: f.cfg.Contact, started: time.Now()}
	collector := f.collector(ctx)
	v.attach(collector)

	done := make(chan error, 1)
	go func() { done <- collector.Visit(request.URL) }()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-done:
		if ctx.Err() != nil {
			err = ctx.Err()
		} else if err == nil {
			err = v.err
		}
	}
	if err != nil {
		metrics.ObserveFetch(request.URL, 0, 0, time.Since(v.started))
		return fetcher.Response{}, fmt.Errorf("colly fetch %s: %w", request.URL, err)
	}
	metrics.ObserveFetch(v.resp.URL, v.resp.StatusCode, len(v.resp.Body), v.resp.Duration)
	return v.resp, nil
}

func (f *Fetcher) collector(ctx context.Context) *colly.Collector {
	c := f.base.Clone()
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = f.cfg.MaxBodyBytes
	c.Context = ctx
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(f.transport)
	return c
}

// visit collects the outcome of a single collector run.
type visit struct {
	req     fetcher.Request
	contact string
	started time.Time
	resp    fetcher.Response
	err     error
}

func (v *visit) attach(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range v.req.Headers {
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
		if v.contact != "" && r.Headers.Get("From") == "" {
			r.Headers.Set("From", v.contact)
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		v.resp = fetcher.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.started),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		v.err = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
