// Package fetcher issues the outbound HTTP requests of the update engine
// and classifies their outcomes. One call, no retries; 404 is a
// first-class outcome, not an error.
package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
)

// Request describes one outbound HTTP call. Every field is already
// interpolated; the fetcher performs no expansion.
type Request struct {
	Method         datasource.HTTPMethod
	URL            string
	Headers        []datasource.Header
	Params         []datasource.Header
	CheckSSL       bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// OutcomeKind classifies the response of one fetch
type OutcomeKind int

const (
	// Success is any 2xx status
	Success OutcomeKind = iota
	// NotFound is status 404, handled by the missing-node policy
	NotFound
	// HTTPError is any other status
	HTTPError
	// TransportError is a network or timeout failure
	TransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case NotFound:
		return "not-found"
	case HTTPError:
		return "http-error"
	case TransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one fetch. Body is populated for
// Success and HTTPError; Reason for TransportError.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Body       []byte
	Reason     string
}

// Fetcher issues classified HTTP requests
type Fetcher struct {
	// transport overrides the HTTP transport in tests
	transport http.RoundTripper
}

// New creates a fetcher that builds a dedicated transport per request
func New() *Fetcher {
	return &Fetcher{}
}

// NewWithTransport creates a fetcher with a fixed transport, bypassing
// per-request timeout wiring. Test use only.
func NewWithTransport(rt http.RoundTripper) *Fetcher {
	return &Fetcher{transport: rt}
}

// Fetch performs one synchronous request. GET sends Params as a query
// string; POST sends them form-encoded in the body. A non-positive
// timeout is a programming error and fails immediately.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Outcome, error) {
	if req.ConnectTimeout <= 0 || req.ReadTimeout <= 0 {
		return Outcome{}, errors.WrapFatal(
			fmt.Errorf("request to %s has no timeout", req.URL),
			"HttpFetcher", "Fetch", "check timeouts")
	}

	httpReq, err := f.buildRequest(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	client := &http.Client{
		Transport: f.transportFor(req),
		Timeout:   req.ConnectTimeout + req.ReadTimeout,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Outcome{Kind: TransportError, Reason: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Kind: TransportError, Reason: fmt.Sprintf("reading response body: %v", err)}, nil
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Outcome{Kind: Success, StatusCode: resp.StatusCode, Body: body}, nil
	case resp.StatusCode == http.StatusNotFound:
		return Outcome{Kind: NotFound, StatusCode: resp.StatusCode}, nil
	default:
		return Outcome{Kind: HTTPError, StatusCode: resp.StatusCode, Body: body}, nil
	}
}

func (f *Fetcher) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	var httpReq *http.Request
	var err error

	switch req.Method {
	case datasource.MethodGet:
		target := req.URL
		if query := encodePairs(req.Params); query != "" {
			separator := "?"
			if strings.Contains(target, "?") {
				separator = "&"
			}
			target = target + separator + query
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)

	case datasource.MethodPost:
		form := encodePairs(req.Params)
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, req.URL, strings.NewReader(form))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported method %q", req.Method),
			"HttpFetcher", "Fetch", "build request")
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "HttpFetcher", "Fetch", "build request")
	}

	for _, header := range req.Headers {
		httpReq.Header.Set(header.Name, header.Value)
	}
	return httpReq, nil
}

func (f *Fetcher) transportFor(req Request) http.RoundTripper {
	if f.transport != nil {
		return f.transport
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: req.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   req.ConnectTimeout,
		ResponseHeaderTimeout: req.ReadTimeout,
		DisableKeepAlives:     true,
	}
	if !req.CheckSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // checkSsl=false is an explicit operator choice
	}
	return transport
}

func encodePairs(pairs []datasource.Header) string {
	if len(pairs) == 0 {
		return ""
	}
	values := url.Values{}
	for _, pair := range pairs {
		values.Add(pair.Name, pair.Value)
	}
	return values.Encode()
}
