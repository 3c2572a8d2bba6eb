package catalog

import (
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"
)

const MaxHops = 15

// NewHTTPClient builds the client one worker owns for its whole lifetime.
// Its transport keeps a single idle connection per host, so sequential
// requests from the worker reuse one connection.
//
// timeout bounds the wait for response headers only; bodies are streamed.
func NewHTTPClient(timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          1,
			MaxIdleConnsPerHost:   1,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxHops {
				return fmt.Errorf("stopped after %d redirects", MaxHops)
			}
			return nil
		},
	}
}
