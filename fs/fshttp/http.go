// Package fshttp contains the common http parts of the config, Transport
// and Client
package fshttp

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultTimeout        = 5 * time.Minute
	defaultUserAgent      = "cloudpaste/1.0"
)

// Options configures the http.Client built by NewClient.
type Options struct {
	ConnectTimeout        time.Duration
	Timeout               time.Duration // read/write idle timeout
	UserAgent             string
	InsecureSkipVerify    bool // tls_skip_verify
	NoFollowRedirects     bool
	ExpectContinueTimeout time.Duration
}

// Transport is an http.RoundTripper setting a default User-Agent.
type Transport struct {
	*http.Transport
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.Transport.RoundTrip(req)
}

// NewTransport returns an http.RoundTripper for opt.
func NewTransport(opt *Options) http.RoundTripper {
	if opt == nil {
		opt = &Options{}
	}
	connectTimeout := opt.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}
	timeout := opt.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	userAgent := opt.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: opt.ExpectContinueTimeout,
	}
	if opt.InsecureSkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Transport{Transport: t, userAgent: userAgent}
}

// NewClient returns an http.Client with the correct timeouts for opt.
func NewClient(opt *Options) *http.Client {
	client := &http.Client{
		Transport: NewTransport(opt),
	}
	if opt != nil && opt.NoFollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}
