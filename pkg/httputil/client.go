// Package httputil provides the HTTP plumbing shared by the registry
// manager and the package fetcher: a client with DNS caching and a bounded
// timeout, bearer-token authentication, status-code classification, and a
// retry-with-backoff policy for transient failures.
package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/cpkg/cpkg/pkg/errors"
)

const (
	requestTimeout  = 30 * time.Second
	dnsRefreshEvery = 5 * time.Minute
	userAgent       = "cpkg/1.0"
)

// NewHTTPClient creates an HTTP client with a cached-DNS dialer and a
// bounded per-request timeout. Registry catalogs and package payloads are
// often served from the same few hosts, so resolving each host once per
// refresh interval saves a lookup per fetch.
func NewHTTPClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(dnsRefreshEvery)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved address for %s", host)
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Client wraps an http.Client with the engine's request conventions.
type Client struct {
	http *http.Client
}

// NewClient creates a Client. Pass nil to use the default cached-DNS client.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = NewHTTPClient()
	}
	return &Client{http: hc}
}

// GetJSON performs an authenticated GET and decodes the response body into v.
// Transient failures are retried per the package retry policy.
func (c *Client) GetJSON(ctx context.Context, url, token string, v any) error {
	return Retry(ctx, func() error {
		body, err := c.do(ctx, url, token)
		if err != nil {
			return err
		}
		defer body.Close()
		if err := json.NewDecoder(body).Decode(v); err != nil {
			return errors.Wrap(errors.ErrCodeFetchFailed, err, "decode response from %s", url)
		}
		return nil
	})
}

// Download performs an authenticated GET and streams the body to w.
func (c *Client) Download(ctx context.Context, url, token string, w io.Writer) error {
	return Retry(ctx, func() error {
		body, err := c.do(ctx, url, token)
		if err != nil {
			return err
		}
		defer body.Close()
		if _, err := io.Copy(w, body); err != nil {
			return errors.Wrap(errors.ErrCodeFetchFailed, err, "download %s", url)
		}
		return nil
	})
}

func (c *Client) do(ctx context.Context, url, token string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFetchFailed, err, "build request for %s", url)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Retryable(errors.Wrap(errors.ErrCodeNetwork, err, "request %s", url))
	}

	if err := checkStatus(resp.StatusCode, url, token); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func checkStatus(code int, url, token string) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return errors.New(errors.ErrCodePackageNotFound, "%s not found", url)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		if token == "" {
			return errors.New(errors.ErrCodeAuthRequired, "%s requires an access token", url)
		}
		return errors.New(errors.ErrCodeAuthRequired, "access denied for %s (status %d)", url, code)
	case code >= 500:
		return Retryable(errors.New(errors.ErrCodeNetwork, "%s returned status %d", url, code))
	default:
		return errors.New(errors.ErrCodeFetchFailed, "%s returned unexpected status %d", url, code)
	}
}
