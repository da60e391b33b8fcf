package callback

import (
	"fmt"
	"sort"

	"github.com/warp/leave-sync/workflow"
)

// Registry maps workflow types to handlers. It is built once at startup and
// read concurrently afterwards without locking.
type Registry struct {
	handlers map[string]Handler
	generic  Handler
}

// NewRegistry builds a registry. fallback serves every workflow type without
// a dedicated handler. Registering a type twice is an error.
func NewRegistry(fallback Handler, handlers ...Handler) (*Registry, error) {
	if fallback == nil {
		return nil, fmt.Errorf("generic handler is required")
	}
	r := &Registry{handlers: make(map[string]Handler, len(handlers)), generic: fallback}
	for _, h := range handlers {
		t := h.WorkflowType()
		if t == "" {
			return nil, fmt.Errorf("handler %T has no workflow type", h)
		}
		if t == fallback.WorkflowType() {
			return nil, fmt.Errorf("workflow type %s is reserved for the generic handler", t)
		}
		if _, dup := r.handlers[t]; dup {
			return nil, fmt.Errorf("workflow type %s registered twice", t)
		}
		r.handlers[t] = h
	}
	return r, nil
}

// Resolve returns the handler for the workflow type of schemeCode.
func (r *Registry) Resolve(schemeCode string) Handler {
	if h, ok := r.handlers[workflow.TypeOf(schemeCode)]; ok {
		return h
	}
	return r.generic
}

// Types lists the workflow types with a dedicated handler.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
