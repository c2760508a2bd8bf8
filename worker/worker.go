// Package worker implements the fixed-size worker pool and the worker
// state machine that runs user code on behalf of the dispatcher's async
// "queue" method (§4.8, §4.9): notify_init/cooperate/query_abort glue
// between a worker thread and the RPC contexts that started or are
// long-polling it.
package worker

import (
	"sync"

	"github.com/hostbridge-go/agent/code"
)

// State is a worker's position in the state machine described in §4.9.
type State int

const (
	Idle State = iota
	Starting
	Running
	Aborting
	Failed
	AutoBoot
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Aborting:
		return "aborting"
	case Failed:
		return "failed"
	case AutoBoot:
		return "autoboot"
	default:
		return "unknown"
	}
}

// StartRequest is the context that launched a worker. Reply is called
// exactly once: by NotifyInit (carrying the worker's index), by
// NotifyInitFailed (carrying ENOMEM), or by the pool's run loop if the
// runner returns before calling either.
// Reply is nil for a synthetic AutoBoot start, which never produces a
// reply.
type StartRequest struct {
	Runtime string
	File    string
	Source  string
	Debug   bool
	Reply   func(tid int, err error)
}

// CallbackRequest is a long-poll continuation posted against a worker
// that is already running: "abort" requests an immediate transition to
// Aborting, "callback" parks until the runner returns, and anything else
// is an unrecognized request name.
type CallbackRequest struct {
	Name  string
	Reply func(result any, err error)
}

// Runner is supplied by a registered runtime. It executes file or source
// and must cooperate with ctx: call ctx.NotifyInit once initialized, poll
// ctx.QueryAbort between units of work, and call ctx.Cooperate periodically
// to process pending callback/abort requests.
type Runner func(ctx *Context, file, source string, debug bool) error

// Runtime is a registered runtime descriptor (§3 "Runtime descriptor").
type Runtime struct {
	Name    string
	Version string
	Run     Runner
}

// Storage is a registered storage descriptor (§3 "Storage descriptor").
type Storage struct {
	Name      string
	MountPath string
}

// Worker is one entry in the fixed pool. Its state is protected by its own
// mutex; only the goroutine that moved it into Starting may move it to
// Running or Failed, matching the invariant in §3.
type Worker struct {
	Index int

	mu              sync.Mutex
	state           State
	active          *StartRequest
	pendingCallback *CallbackRequest
	callbackParked  bool

	sem chan struct{}
}

// State returns the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) wake() {
	select {
	case w.sem <- struct{}{}:
	default:
	}
}

// Context is the handle a Runner uses to cooperate with its worker.
type Context struct {
	worker *Worker
	pool   *Pool
}

// NotifyInit must be called by a runner exactly once after it has
// successfully initialized. It replies to the start request with the
// worker's index and transitions Starting -> Running.
func (c *Context) NotifyInit() {
	w := c.worker
	w.mu.Lock()
	if w.state != Starting || w.active == nil {
		w.mu.Unlock()
		return
	}
	req := w.active
	w.state = Running
	w.mu.Unlock()
	if req.Reply != nil {
		req.Reply(w.Index, nil)
	}
}

// NotifyInitFailed reports that initialization could not allocate what it
// needed; it replies ENOMEM and transitions Starting -> Failed.
func (c *Context) NotifyInitFailed() {
	w := c.worker
	w.mu.Lock()
	if w.state != Starting || w.active == nil {
		w.mu.Unlock()
		return
	}
	req := w.active
	w.state = Failed
	w.mu.Unlock()
	if req.Reply != nil {
		req.Reply(0, code.ENOMEM)
	}
}

// Cooperate processes at most one pending callback request. A runner calls
// this periodically between units of work.
func (c *Context) Cooperate() {
	w := c.worker
	w.mu.Lock()
	cb := w.pendingCallback
	if cb == nil || w.callbackParked {
		w.mu.Unlock()
		return
	}
	switch cb.Name {
	case "abort":
		w.pendingCallback = nil
		w.state = Aborting
		w.mu.Unlock()
		if cb.Reply != nil {
			cb.Reply(nil, nil)
		}
	case "callback":
		w.callbackParked = true
		w.mu.Unlock()
	default:
		w.pendingCallback = nil
		w.mu.Unlock()
		if cb.Reply != nil {
			cb.Reply(nil, code.ESRCH)
		}
	}
}

// QueryAbort reports whether the worker has been asked to abort.
func (c *Context) QueryAbort() bool {
	w := c.worker
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == Aborting
}

// Pool is a fixed array of workers (§4.8).
type Pool struct {
	workers []*Worker

	mu       sync.Mutex
	runtimes map[string]Runtime
	storages map[string]Storage
}

// NewPool returns a pool of n workers. n must be at least 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		runtimes: make(map[string]Runtime),
		storages: make(map[string]Storage),
	}
	p.workers = make([]*Worker, n)
	for i := range p.workers {
		p.workers[i] = &Worker{Index: i, sem: make(chan struct{}, 1)}
	}
	return p
}

// Workers returns the pool's workers in index order.
func (p *Pool) Workers() []*Worker { return p.workers }

// RegisterRuntime adds a runtime to the fixed-size table.
func (p *Pool) RegisterRuntime(r Runtime) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runtimes[r.Name] = r
}

// RegisterStorage adds a storage descriptor to the fixed-size table.
func (p *Pool) RegisterStorage(s Storage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.storages[s.Name] = s
}

// Runtimes returns a snapshot of the registered runtimes.
func (p *Pool) Runtimes() []Runtime {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Runtime, 0, len(p.runtimes))
	for _, r := range p.runtimes {
		out = append(out, r)
	}
	return out
}

// Storages returns a snapshot of the registered storage descriptors.
func (p *Pool) Storages() []Storage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Storage, 0, len(p.storages))
	for _, s := range p.storages {
		out = append(out, s)
	}
	return out
}

func (p *Pool) lookupRuntime(name string) (Runtime, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runtimes[name]
	return r, ok
}

// Start launches the pool's worker goroutines. It returns immediately; the
// workers run until the process exits.
func (p *Pool) Start() {
	for _, w := range p.workers {
		go p.runWorker(w)
	}
}

func (p *Pool) runWorker(w *Worker) {
	for {
		<-w.sem
		w.mu.Lock()
		req := w.active
		st := w.state
		w.mu.Unlock()
		if req == nil || (st != Starting && st != AutoBoot) {
			continue
		}

		rt, ok := p.lookupRuntime(req.Runtime)
		var runErr error
		if !ok {
			runErr = code.ENOENT
		} else {
			runErr = rt.Run(&Context{worker: w, pool: p}, req.File, req.Source, req.Debug)
		}

		w.mu.Lock()
		if w.state == Starting || w.state == AutoBoot {
			// The runner returned without ever calling NotifyInit.
			w.state = Idle
			w.active = nil
			pendingReply := req.Reply
			w.mu.Unlock()
			if pendingReply != nil {
				pendingReply(w.Index, runErr)
			}
		} else {
			w.state = Idle
			w.active = nil
			w.mu.Unlock()
		}

		// Any callback still queued, parked by Cooperate or not, is answered
		// with the runner's result now that the runner has returned.
		w.mu.Lock()
		pending := w.pendingCallback
		w.pendingCallback = nil
		w.callbackParked = false
		w.mu.Unlock()
		if pending != nil && pending.Reply != nil {
			pending.Reply(runErrorCode(runErr), nil)
		}
	}
}

func runErrorCode(err error) int {
	if c, ok := err.(code.Code); ok {
		return int(c)
	}
	if err != nil {
		return int(code.SystemError)
	}
	return 0
}

// Queue implements the async "queue" method's posting policy (§4.8). reply
// is called once, asynchronously, unless Queue itself returns a non-nil
// error (in which case no reply will ever be posted and the caller should
// reply with that error immediately).
func (p *Pool) Queue(hasTID bool, tid int, name string, start StartRequest, reply func(result any, err error)) error {
	if hasTID {
		if tid < 0 || tid >= len(p.workers) {
			return code.ESRCH
		}
		w := p.workers[tid]
		if name == "start" {
			w.mu.Lock()
			if w.state != Idle || w.active != nil {
				w.mu.Unlock()
				return code.EBUSY
			}
			start.Reply = func(tid int, err error) { reply(map[string]any{"tid": int32(tid)}, err) }
			w.active = &start
			w.state = Starting
			w.mu.Unlock()
			w.wake()
			return nil
		}
		w.mu.Lock()
		if w.pendingCallback != nil {
			w.mu.Unlock()
			return code.EBUSY
		}
		w.pendingCallback = &CallbackRequest{Name: name, Reply: reply}
		w.callbackParked = false
		w.mu.Unlock()
		return nil
	}

	if name != "start" {
		return code.ESRCH
	}
	for _, w := range p.workers {
		w.mu.Lock()
		if w.state == Idle && w.active == nil {
			start.Reply = func(tid int, err error) { reply(map[string]any{"tid": int32(tid)}, err) }
			w.active = &start
			w.state = Starting
			w.mu.Unlock()
			w.wake()
			return nil
		}
		w.mu.Unlock()
	}
	return code.EBUSY
}

// BootSpec is the parsed content of /boot.json.
type BootSpec struct {
	Runtime string
	File    string
}

// BootLoader resolves the AutoBoot payload. A real agent backs this with
// the filesystem driver registered under the "internal" storage path; it
// is abstracted here since file I/O is outside this package's scope.
type BootLoader interface {
	LoadBoot() (BootSpec, bool)
}

// AutoBoot puts worker 0 into the AutoBoot substate and, if loader
// produces a valid spec, synthesizes a start call with no RPC context: no
// reply is ever produced for it. On load failure the worker returns to
// Idle. AutoBoot must be called after Start.
func (p *Pool) AutoBoot(loader BootLoader) {
	if len(p.workers) == 0 {
		return
	}
	w := p.workers[0]
	w.mu.Lock()
	w.state = AutoBoot
	w.mu.Unlock()

	spec, ok := loader.LoadBoot()
	if !ok {
		w.mu.Lock()
		w.state = Idle
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.active = &StartRequest{Runtime: spec.Runtime, File: spec.File}
	w.mu.Unlock()
	w.wake()
}
