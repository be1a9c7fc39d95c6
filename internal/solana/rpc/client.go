// Package rpc builds Solana JSON-RPC clients whose transport retries transient failures.
package rpc

import (
	"net"
	"net/http"
	"time"

	solanarpc "github.com/gagliardetto/solana-go/rpc"
	soljsonrpc "github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/klauspost/compress/gzhttp"
)

const (
	defaultMaxConnsPerHost = 9
	defaultTimeout         = 5 * time.Minute
	defaultKeepAlive       = 180 * time.Second
)

type Options struct {
	// Headers are sent with every request, e.g. provider API keys.
	Headers map[string]string

	Retry *RetryOptions
}

// New returns a Solana RPC client for endpoint.
func New(endpoint string, opts *Options) *solanarpc.Client {
	if opts == nil {
		opts = &Options{}
	}
	inner := soljsonrpc.NewClientWithOpts(endpoint, &soljsonrpc.RPCClientOpts{
		HTTPClient:    newHTTP(),
		CustomHeaders: opts.Headers,
	})
	return solanarpc.NewWithCustomRPCClient(WithRetry(inner, opts.Retry))
}

func newHTTP() *http.Client {
	return &http.Client{
		Timeout: defaultTimeout,
		Transport: gzhttp.Transport(&http.Transport{
			IdleConnTimeout:     defaultTimeout,
			MaxConnsPerHost:     defaultMaxConnsPerHost,
			MaxIdleConnsPerHost: defaultMaxConnsPerHost,
			Proxy:               http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   defaultTimeout,
				KeepAlive: defaultKeepAlive,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 10 * time.Second,
		}),
	}
}
