// Package mock provides a recording test double for trigger.Enqueuer.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/epic-hq/Insights-sub011/internal/trigger"
)

// Enqueuer records every request and returns sequential run IDs
// ("run-1", "run-2", ...) unless EnqueueErr is set.
type Enqueuer struct {
	mu sync.Mutex

	EnqueueErr error
	Requests   []trigger.Request
	Closed     bool
}

var _ trigger.Enqueuer = (*Enqueuer)(nil)

func (e *Enqueuer) Enqueue(_ context.Context, req trigger.Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.EnqueueErr != nil {
		return "", e.EnqueueErr
	}
	e.Requests = append(e.Requests, req)
	return fmt.Sprintf("run-%d", len(e.Requests)), nil
}

func (e *Enqueuer) Close() error {
	e.mu.Lock()
	e.Closed = true
	e.mu.Unlock()
	return nil
}

// Count returns the number of successful Enqueue calls.
func (e *Enqueuer) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Requests)
}
