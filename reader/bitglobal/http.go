package bitglobal

import (
	"net"
	"net/http"
	"time"

	"cryptolink/config"
)

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// newHTTPClient builds the pooled REST client, bound to localIP when set.
func newHTTPClient(cfg *config.Config, src config.BitglobalSourceConfig) *http.Client {
	pool := src.ConnectionPool
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if src.LocalIP != "" {
		if ip := net.ParseIP(src.LocalIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}, Timeout: 10 * time.Second}
			transport.DialContext = dialer.DialContext
		}
	}

	agent := cfg.Reader.UserAgent
	if agent == "" {
		agent = "cryptolink"
	}

	return &http.Client{
		Transport: userAgentTransport{agent: agent, base: transport},
		Timeout:   cfg.Reader.Timeout,
	}
}
