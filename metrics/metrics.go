// Package metrics defines the counters an Agent keeps on its RPC channel:
// bytes and jobs moving across the frame assembler in
// job.go, and requests/replies moving through the dispatcher in
// dispatcher.go. On an embedded target there is no separate metrics
// dashboard pulling on string-keyed names at run time — the only readers
// of a counter are this package and the handful of call sites that
// increment it — so each one gets its own typed method instead of a bag of
// string constants a caller could misspell. The generic Count/SetMaxValue
// pair stays underneath for any metric a future collaborator (fs.*,
// rubic.prog.*) wants to add without touching this package.
package metrics

import "sync"

// An M collects counters and maximum value trackers.  A nil *M is valid, and
// discards all metrics. The methods of an *M are safe for concurrent use by
// multiple goroutines.
type M struct {
	mu      sync.Mutex
	counter map[string]int64
	maxVal  map[string]int64
}

// New creates a new, empty metrics collector.
func New() *M {
	return &M{counter: make(map[string]int64), maxVal: make(map[string]int64)}
}

// Count adds n to the current value of the counter named, defining the counter
// if it does not already exist.
func (m *M) Count(name string, n int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.counter[name] += n
	}
}

// SetMaxValue sets the maximum value metric named to the greater of n and its
// current value, defining the value if it does not already exist.
func (m *M) SetMaxValue(name string, n int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if n > m.maxVal[name] {
			m.maxVal[name] = n
		}
	}
}

// CountAndSetMax adds n to the current value of the counter named, and also
// updates a max value tracker with the same name in a single step.
func (m *M) CountAndSetMax(name string, n int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if n > m.maxVal[name] {
			m.maxVal[name] = n
		}
		m.counter[name] += n
	}
}

// Snapshot copies an atomic snapshot of the counters and max value trackers
// into the provided non-nil maps.
func (m *M) Snapshot(counters, maxValues map[string]int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		for name, val := range m.counter {
			counters[name] = val
		}
		for name, val := range m.maxVal {
			maxValues[name] = val
		}
	}
}

// The names behind the typed wrappers below. They live here, not at the
// call sites in job.go/dispatcher.go, so Snapshot's output keys stay fixed
// even if a call site is renamed.
const (
	nameBytesIn        = "rpc.bytes_in"
	nameBytesOut       = "rpc.bytes_out"
	nameRequests       = "rpc.requests"
	nameRepliesDropped = "rpc.replies_dropped"
	nameJobsAccepted   = "rpc.jobs_accepted"
	nameJobsDropped    = "rpc.jobs_dropped"
)

// RPCBytesIn counts n bytes delivered to the RPC channel's frame assembler
// (job.go's rpcChannelSink.Write), before any framing or length-prefix
// validation.
func (m *M) RPCBytesIn(n int64) { m.Count(nameBytesIn, n) }

// RPCBytesOut counts the n bytes of a reply document sent through the
// encoder, before framing and escaping (dispatcher.go's sendReply).
func (m *M) RPCBytesOut(n int64) { m.Count(nameBytesOut, n) }

// RPCRequests counts one parsed JSON-RPC envelope reaching the dispatcher,
// whether or not it turns out to be well-formed.
func (m *M) RPCRequests() { m.Count(nameRequests, 1) }

// RPCRepliesDropped counts a reply that could not be built even after the
// single InternalError retry (dispatcher.go's sendReply) and was silently
// discarded.
func (m *M) RPCRepliesDropped() { m.Count(nameRepliesDropped, 1) }

// RPCJobsAccepted counts one request document accepted into the job
// mailbox.
func (m *M) RPCJobsAccepted() { m.Count(nameJobsAccepted, 1) }

// RPCJobsDropped counts one packet on the RPC channel that was discarded
// before reaching the mailbox: a bad length prefix, an EOP/length mismatch,
// or a mailbox slot that was still occupied.
func (m *M) RPCJobsDropped() { m.Count(nameJobsDropped, 1) }
