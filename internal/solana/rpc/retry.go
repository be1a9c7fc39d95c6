package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

const (
	defaultMaxAttempts = 4
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

type RetryOptions struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// WithRetry wraps inner so calls failing with a transport-level or provider "busy" error are
// retried with exponential backoff.
func WithRetry(inner solanarpc.JSONRPCClient, opt *RetryOptions) solanarpc.JSONRPCClient {
	if opt == nil {
		opt = &RetryOptions{}
	}
	o := *opt
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	return &retryingClient{inner: inner, opt: o}
}

type retryingClient struct {
	inner solanarpc.JSONRPCClient
	opt   RetryOptions
}

func (c *retryingClient) CallForInto(ctx context.Context, out any, method string, params []any) error {
	_, err := doRetry(ctx, c.opt, func() (struct{}, error) {
		return struct{}{}, c.inner.CallForInto(ctx, out, method, params)
	})
	return err
}

func (c *retryingClient) CallWithCallback(ctx context.Context, method string, params []any, callback func(*http.Request, *http.Response) error) error {
	_, err := doRetry(ctx, c.opt, func() (struct{}, error) {
		return struct{}{}, c.inner.CallWithCallback(ctx, method, params, callback)
	})
	return err
}

func (c *retryingClient) CallBatch(ctx context.Context, requests jsonrpc.RPCRequests) (jsonrpc.RPCResponses, error) {
	return doRetry(ctx, c.opt, func() (jsonrpc.RPCResponses, error) {
		return c.inner.CallBatch(ctx, requests)
	})
}

func doRetry[T any](ctx context.Context, opt RetryOptions, f func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opt.BaseBackoff
	b.MaxInterval = opt.MaxBackoff
	b.RandomizationFactor = 0
	b.Reset()

	return backoff.Retry(ctx, func() (T, error) {
		out, err := f()
		if err != nil && !isRetryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(opt.MaxAttempts)))
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") {
		return true
	}

	type hasStatusCode interface{ StatusCode() int }
	var sc hasStatusCode
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}

	// Provider "node is behind" / "try again later" codes.
	type hasCode interface{ Code() int }
	var ce hasCode
	if errors.As(err, &ce) {
		switch ce.Code() {
		case -32005, -32004, -32003:
			return true
		}
	}

	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return false
	}

	return false
}
