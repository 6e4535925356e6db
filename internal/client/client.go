// Package client is the HTTP transport to the upstream camera device: a
// resty-backed fetcher that pulls one JPEG-encoded frame per request,
// carrying the device's optional cookie/bearer credentials.
package client

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Auth carries the optional credentials the upstream device expects.
// Cookie accepts either a bare value or a "name=value" pair.
type Auth struct {
	Cookie string
	Token  string
}

// Client fetches frames from an HTTP-reachable camera device.
type Client struct {
	restyClient *resty.Client
	authToken   string
	cookieName  string
	cookieValue string
}

// New builds a Client tuned for a single slow embedded device: short
// timeout, small retry budget, modest connection reuse.
func New(auth Auth) *Client {
	restyClient := resty.New().
		SetTimeout(5*time.Second).
		SetHeader("User-Agent", "doorcam/1.0").
		SetHeader("Accept", "image/jpeg").
		SetRetryCount(2).
		SetRetryWaitTime(50 * time.Millisecond).
		SetDisableWarn(true)

	restyClient.SetTransport(&http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ResponseHeaderTimeout: 3 * time.Second,
		ExpectContinueTimeout: time.Second,
	})

	cookieName, cookieValue := parseCookie(auth.Cookie)

	return &Client{
		restyClient: restyClient,
		authToken:   auth.Token,
		cookieName:  cookieName,
		cookieValue: cookieValue,
	}
}

// FetchFrame GETs url and returns the response body as an owned copy. A
// non-200 status is an error; an empty body is returned as a zero-length
// slice for the caller to skip.
func (c *Client) FetchFrame(url string) ([]byte, error) {
	req := c.restyClient.R()

	if c.authToken != "" {
		req.SetHeader("Authorization", c.authToken)
	}
	if c.cookieValue != "" {
		req.SetCookie(&http.Cookie{Name: c.cookieName, Value: c.cookieValue})
	}

	resp, err := req.Get(url)
	if err != nil {
		return nil, errors.Wrap(err, "client: request failed")
	}
	if resp.RawResponse != nil && resp.RawResponse.Body != nil {
		defer resp.RawResponse.Body.Close()
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Errorf("client: unexpected status %s", resp.Status())
	}

	body := resp.Body()
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

func parseCookie(s string) (name, value string) {
	if s == "" {
		return "", ""
	}
	if strings.Contains(s, "=") {
		parts := strings.SplitN(s, "=", 2)
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return "session", s
}
