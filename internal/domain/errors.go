// Package domain contains core entities, ports and sentinel errors.
//
// It defines the canonical clinical-trial model shared by every registry
// adapter, the durable job types processed by the worker pool, and the
// repository/adapter interfaces the use cases depend on. The package has no
// dependencies outside the standard library.
package domain

import (
	"context"
	"errors"
)

// Context is an alias to allow mockery to generate mocks referencing context.
type Context = context.Context

// Sentinel errors for classification across layers.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamRateLimit marks a registry 429; the fetch layer halves the
	// window budget when it sees this.
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	// ErrManualImportRequired is returned by registries that expose no usable
	// live API (EU CTR, WHO ICTRP). Records arrive through bulk imports only.
	ErrManualImportRequired = errors.New("manual import required")
	// ErrJobOwnershipLost means a lease expired and the job was handed to
	// another worker; the current holder must abandon all side effects.
	ErrJobOwnershipLost = errors.New("job ownership lost")
	ErrSchemaInvalid    = errors.New("schema invalid")
	ErrInternal         = errors.New("internal error")
)
