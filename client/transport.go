package client

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// NewTransport builds the agent's HTTP transport. HTTPS connections
// negotiate HTTP/2 so heartbeats and list calls share one connection.
func NewTransport(tlsConfig *tls.Config) (*http.Transport, error) {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       tlsConfig,
	}

	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("failed to enable HTTP/2: %w", err)
	}
	return t, nil
}
