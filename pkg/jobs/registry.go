package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sciffer/labrange/pkg/models"
)

// Handler processes one job. The returned result is stored on the job.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Registry maps every job type to its handler
type Registry struct {
	handlers map[Type]Handler
}

// NewRegistry builds a registry. It fails unless handlers covers exactly Types.
func NewRegistry(handlers map[Type]Handler) (*Registry, error) {
	var missing, unknown []string
	for _, t := range Types {
		if handlers[t] == nil {
			missing = append(missing, string(t))
		}
	}
	for t := range handlers {
		if !t.Valid() {
			unknown = append(unknown, string(t))
		}
	}
	sort.Strings(unknown)

	switch {
	case len(missing) > 0:
		return nil, fmt.Errorf("no handler for job types: %s", strings.Join(missing, ", "))
	case len(unknown) > 0:
		return nil, fmt.Errorf("handlers for %s: %w", strings.Join(unknown, ", "), ErrUnknownType)
	}

	r := &Registry{handlers: make(map[Type]Handler, len(handlers))}
	for t, h := range handlers {
		r.handlers[t] = h
	}
	return r, nil
}

// Lookup returns the handler for a stored job type
func (r *Registry) Lookup(jobType string) (Handler, error) {
	h, ok := r.handlers[Type(jobType)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", jobType, ErrUnknownType)
	}
	return h, nil
}
