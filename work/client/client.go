package client

import (
	"net/http"
	"time"

	"playback-edge/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set outbound
// headers on every request. One instance is shared by the prober, the
// edge proxy, and the upstream API client; per-call deadlines come from
// request contexts, so the client itself carries no overall timeout.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// NewHeaderSettingClient builds the shared outbound HTTP client with a
// transport tuned for many short CDN fetches: pooled keep-alive
// connections and a header timeout so a stalled origin cannot pin a
// request forever while the body timeout is governed by the caller.
func NewHeaderSettingClient(config *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // No overall timeout; contexts bound each call
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		},
	}

	return &HeaderSettingClient{
		Client: client,
		config: config,
	}
}

// Do sets the standard outbound headers and executes the request.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.config.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
}
