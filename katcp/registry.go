package katcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
)

// Handler answers one request within a session. Informs written to the
// session before the reply are delivered in order ahead of it. A handler
// must not mutate shared state when it returns a fail reply.
type Handler func(ctx context.Context, s *Session, req Message) Message

// HandlerInfo pairs a handler with its help text for the help request.
type HandlerInfo struct {
	Help    string
	Handler Handler
}

// Registry maps request names to handlers. Lifecycle handlers are
// registered over the administrative defaults; registration of an existing
// name replaces it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerInfo
}

// NewRegistry creates a registry pre-populated with the administrative
// default handlers (help, watchdog, version-list, client-list, log-level,
// sensor-list, sensor-value). Callers register lifecycle handlers on top.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]HandlerInfo)}
	registerDefaults(r)
	return r
}

// Register installs a handler for name, replacing any default.
func (r *Registry) Register(name, help string, h Handler) error {
	if h == nil {
		return errors.WrapFatal(
			stderrors.New("handler cannot be nil"),
			"Registry", "Register", "handler validation")
	}
	if !validName(name) {
		return errors.WrapInvalid(
			fmt.Errorf("bad request name %q", name),
			"Registry", "Register", "name validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = HandlerInfo{Help: help, Handler: h}
	return nil
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (HandlerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.handlers[name]
	return info, ok
}

// Names returns all registered request names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch routes a request to its handler. Unknown requests get an
// invalid reply, per protocol.
func (r *Registry) Dispatch(ctx context.Context, s *Session, req Message) Message {
	info, ok := r.Lookup(req.Name)
	if !ok {
		return NewReply(req.Name, StatusInvalid, "unknown request")
	}
	return info.Handler(ctx, s, req)
}
