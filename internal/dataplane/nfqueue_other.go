//go:build !linux

package dataplane

import (
	"context"

	"grimm.is/flowgate/internal/errors"
)

// Queue is only available on Linux.
type Queue struct{}

// OpenQueue always fails outside Linux.
func OpenQueue(context.Context, *Pipeline, QueueConfig) (*Queue, error) {
	return nil, errors.New(errors.KindUnavailable, "nfqueue requires linux")
}

// Close is a no-op.
func (q *Queue) Close() error { return nil }
