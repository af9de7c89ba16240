package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
)

// ErrInvalidURL is returned for registration URIs that cannot be requested.
var ErrInvalidURL = errors.New("invalid registration url")

// ExchangeConfig controls collector behavior.
type ExchangeConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Response is the part of a registration response the fetchers consume.
type Response struct {
	StatusCode int
	Headers    http.Header
}

type waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Exchanger performs the single POST of a registration fetch using Colly.
// Redirects are never followed; 3xx responses are returned as-is.
type Exchanger struct {
	cfg           ExchangeConfig
	baseCollector *colly.Collector
	limiter       waiter
}

// NewExchanger builds an Exchanger. limiter may be nil.
func NewExchanger(cfg ExchangeConfig, limiter waiter) *Exchanger {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})
	return &Exchanger{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
	}
}

// Post sends an empty-bodied POST to rawURL with the extra headers.
func (e *Exchanger) Post(ctx context.Context, rawURL string, headers http.Header) (Response, error) {
	if err := validateURL(rawURL); err != nil {
		return Response{}, err
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, rawURL); err != nil {
			return Response{}, fmt.Errorf("throttle %s: %w", rawURL, err)
		}
	}

	var (
		result   Response
		fetchErr error
	)
	collector := e.buildCollector(&result, &fetchErr)
	if err := e.runCollector(ctx, collector, rawURL, headers, &fetchErr); err != nil {
		return Response{}, err
	}
	return result, nil
}

func (e *Exchanger) buildCollector(result *Response, fetchErr *error) *colly.Collector {
	collector := e.baseCollector.Clone()
	if e.cfg.UserAgent != "" {
		collector.UserAgent = e.cfg.UserAgent
	}
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = true
	timeout := e.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	e.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (e *Exchanger) configureCollectorHooks(hooks collectorHooks, result *Response, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		// Registration fetches carry no cookies or body.
		r.Headers.Del("Cookie")
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = Response{
			StatusCode: r.StatusCode,
			Headers:    headers,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (e *Exchanger) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	rawURL string,
	headers http.Header,
	fetchErr *error,
) error {
	hdr := http.Header{}
	for key, values := range headers {
		for _, v := range values {
			hdr.Add(key, v)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodPost, rawURL, nil, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("registration fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("registration request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("registration response failed: %w", *fetchErr)
		}
		return nil
	}
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
