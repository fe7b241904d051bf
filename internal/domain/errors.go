// Package domain defines core entities, ports, and domain-specific errors
// shared by every adapter and usecase in the collector.
package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels). Adapters classify failures against these with
// errors.Is/errors.As; the HTTP layer maps them to status codes.
var (
	ErrValidation          = errors.New("validation error")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamError       = errors.New("upstream error")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrRateLimited         = errors.New("rate limited")
	ErrNotFound            = errors.New("not found")
	ErrInternal            = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across
// layers; domain types reference it without importing context verbosely.
type Context = context.Context
