package agent

import (
	"fmt"
	"sync"

	"github.com/hostbridge-go/agent/code"
)

// SyncFunc handles a method call synchronously: it runs to completion and
// returns either a BSON result document (or nil for a null result) or an
// error, which should be a code.Code to control the reported error code.
type SyncFunc func(params []byte) ([]byte, error)

// AsyncContext is handed to an AsyncFunc that accepts ownership of a
// request's completion. Exactly one of Complete or CompleteError must be
// called, exactly once, unless the request was a notification (HasID ==
// false), in which case calling either is harmless but produces no reply.
type AsyncContext struct {
	d        *Agent
	reqDoc   []byte
	idOffset int
	notified bool
	isNotify bool
}

// HasID reports whether this request expects a reply.
func (c *AsyncContext) HasID() bool { return !c.isNotify }

// Complete sends a successful reply carrying result (nil for a null
// result).
func (c *AsyncContext) Complete(result []byte) {
	c.complete(result, false, 0)
}

// CompleteError sends an error reply carrying errCode.
func (c *AsyncContext) CompleteError(errCode code.Code) {
	c.complete(nil, true, errCode)
}

func (c *AsyncContext) complete(result []byte, isErr bool, errCode code.Code) {
	if c.notified {
		return
	}
	c.notified = true
	if c.isNotify {
		return
	}
	if isErr {
		c.d.sendReply(c.reqDoc, c.idOffset, nil, true, errCode)
	} else {
		c.d.sendReply(c.reqDoc, c.idOffset, result, result == nil, 0)
	}
}

// AsyncFunc handles a method call that may complete after the call
// returns. Returning a non-nil error immediately replies with that error
// (a code.Code as is, an *Error by its Code, anything else as
// InternalError) and ctx must not be
// used afterward. Returning nil transfers reply ownership to ctx; the
// implementation must eventually call ctx.Complete or ctx.CompleteError.
type AsyncFunc func(ctx *AsyncContext, params []byte) error

// Method is one entry in the method table (§3 "Method entry", §4.7).
// Exactly one of Sync or Async must be set.
type Method struct {
	Name  string
	Sync  SyncFunc
	Async AsyncFunc
}

// Registry is the method name table. Register is synchronized; Lookup is
// not, matching the append-only/no-lock-on-read discipline used by
// frame.Registry.
type Registry struct {
	mu      sync.Mutex
	byName  map[string]*Method
	methods []*Method
}

// NewRegistry returns an empty method registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Method)}
}

// Register adds m to the table. A duplicate name is rejected at
// registration time rather than silently shadowed or accepted last-write-
// wins, since a second registration is almost always a programming
// mistake and the whole method table is built once at startup.
func (r *Registry) Register(m *Method) error {
	if m.Name == "" {
		return fmt.Errorf("agent: empty method name")
	}
	if (m.Sync == nil) == (m.Async == nil) {
		return fmt.Errorf("agent: method %q must set exactly one of Sync or Async", m.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[m.Name]; exists {
		return fmt.Errorf("agent: method %q already registered", m.Name)
	}
	r.byName[m.Name] = m
	r.methods = append(r.methods, m)
	return nil
}

// Lookup returns the method registered under name, if any.
func (r *Registry) Lookup(name string) (*Method, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Names returns the registered method names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.methods))
	for i, m := range r.methods {
		out[i] = m.Name
	}
	return out
}
