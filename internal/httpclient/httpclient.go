// Package httpclient implements the HTTP Delivery Client of spec.md
// §2/§4.5: the bounded-concurrency sender the Output Worker uses to POST a
// signed envelope to a subscription's target and classify what came back.
// Grounded on the teacher's event-hooks/webhook.go (capped *http.Client,
// io.LimitReader response capture, per-subscriber rate.Limiter) generalized
// to the semaphore-based fan-out idiom the teacher's internal/worker used for
// goroutine caps.
package httpclient

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hook0/dispatch-engine/internal/model"
)

// Options configures a Client per spec.md §4.5's contracts.
type Options struct {
	Timeout              time.Duration
	ResponseBodyCapBytes int64
	Concurrency          int
	InsecureSkipVerify   bool
	AllowPlainHTTP       bool
	PerSubscriptionRPS   float64
}

// Client delivers signed envelopes with bounded concurrency, a per-attempt
// wall-clock timeout, response body capture capped at a configurable size,
// no redirect following, and optional TLS verification bypass for
// self-hosted deployments.
type Client struct {
	opts    Options
	http    *http.Client
	sem     chan struct{}
	limitMu sync.Mutex
	limits  map[uuid.UUID]*rate.Limiter
}

// New constructs a Client. The underlying *http.Transport is shared across
// all deliveries so connections are pooled per destination host.
func New(opts Options) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify},
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		// spec.md §4.5: a 3xx is a delivered response, never followed.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Client{
		opts:   opts,
		http:   httpClient,
		sem:    make(chan struct{}, opts.Concurrency),
		limits: make(map[uuid.UUID]*rate.Limiter),
	}
}

// limiterFor returns (creating if absent) the token-bucket limiter gating
// subscriptionID's outbound rate, or nil if shaping is disabled.
func (c *Client) limiterFor(subscriptionID uuid.UUID) *rate.Limiter {
	if c.opts.PerSubscriptionRPS <= 0 {
		return nil
	}
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	l, ok := c.limits[subscriptionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.opts.PerSubscriptionRPS), int(c.opts.PerSubscriptionRPS)+1)
		c.limits[subscriptionID] = l
	}
	return l
}

// Deliver sends one signed envelope and classifies the outcome into a
// model.Response, per spec.md §4.5. It blocks (if subscriptionID has rate
// shaping configured) until the token bucket permits the send, then until a
// concurrency slot is free.
func (c *Client) Deliver(ctx context.Context, subscriptionID uuid.UUID, target model.HTTPTarget, headers []model.Header, body []byte) model.Response {
	start := time.Now()

	if limiter := c.limiterFor(subscriptionID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return errorResponse(model.ErrTimeout, start)
		}
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return errorResponse(model.ErrTimeout, start)
	}

	return c.send(ctx, target, headers, body, start)
}

func (c *Client) send(ctx context.Context, target model.HTTPTarget, headers []model.Header, body []byte, start time.Time) model.Response {
	u, err := url.Parse(target.URL)
	if err != nil {
		return errorResponse(model.ErrInvalidResponse, start)
	}
	if u.Scheme != "https" && !(u.Scheme == "http" && c.opts.AllowPlainHTTP) {
		return errorResponse(model.ErrUnsupportedScheme, start)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, string(target.Method), target.URL, newBodyReader(body))
	if err != nil {
		return errorResponse(model.ErrInvalidResponse, start)
	}
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}
	for _, h := range target.Headers {
		req.Header.Set(h.Key, h.Value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errorResponse(classifyTransportError(err), start)
	}
	defer resp.Body.Close()

	bodyCap := c.opts.ResponseBodyCapBytes
	if bodyCap <= 0 {
		bodyCap = 16384
	}
	truncated := false
	limited := io.LimitReader(resp.Body, bodyCap+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return errorResponse(model.ErrInvalidResponse, start)
	}
	if int64(len(respBody)) > bodyCap {
		respBody = respBody[:bodyCap]
		truncated = true
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	code := resp.StatusCode
	elapsed := time.Since(start).Milliseconds()
	r := model.Response{
		HTTPCode:  &code,
		Headers:   respHeaders,
		Body:      respBody,
		ElapsedMS: elapsed,
	}
	if truncated {
		kind := model.ErrTooLargeResponse
		r.ErrorKind = &kind
	}
	return r
}

func newBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return strings.NewReader(string(body))
}

func errorResponse(kind model.ErrorKind, start time.Time) model.Response {
	return model.Response{
		ErrorKind: &kind,
		ElapsedMS: time.Since(start).Milliseconds(),
	}
}

// classifyTransportError maps a net/http transport error into spec.md
// §4.5's error_kind enumeration, per the go-stdlib error shapes the teacher
// and the pack's HTTP clients check for (net.Error.Timeout(), dns/tls
// wrapping via net.OpError).
func classifyTransportError(err error) model.ErrorKind {
	if err == nil {
		return model.ErrInvalidResponse
	}
	if ue, ok := err.(*url.Error); ok {
		if ue.Timeout() {
			return model.ErrTimeout
		}
		err = ue.Err
	}
	var dnsErr *net.DNSError
	if asDNSError(err, &dnsErr) {
		return model.ErrDNSResolution
	}
	if isTLSError(err) {
		return model.ErrTLS
	}
	var opErr *net.OpError
	if asOpError(err, &opErr) {
		return model.ErrTCPConnect
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return model.ErrTimeout
	}
	return model.ErrTCPConnect
}

func asDNSError(err error, target **net.DNSError) bool {
	for err != nil {
		if de, ok := err.(*net.DNSError); ok {
			*target = de
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if oe, ok := err.(*net.OpError); ok {
			*target = oe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func isTLSError(err error) bool {
	return strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:")
}
