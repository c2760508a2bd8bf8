// Package agent wires the framing transport, BSON codec, method registry,
// and worker pool into the embedded host-bridge RPC server: a byte port in,
// JSON-RPC 2.0-shaped BSON requests out to registered methods, replies and
// worker-pool bookkeeping back out the same port (§2, §4.5-§4.8).
package agent

import (
	"fmt"
	"log"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/hostbridge-go/agent/channel"
	"github.com/hostbridge-go/agent/frame"
	"github.com/hostbridge-go/agent/metrics"
	"github.com/hostbridge-go/agent/worker"
)

// A Logger records text logs from an Agent. A nil logger discards log text.
type Logger func(text string)

// Printf writes a formatted message to the logger. If lg == nil, the message
// is discarded.
func (lg Logger) Printf(msg string, args ...any) {
	if lg != nil {
		lg(fmt.Sprintf(msg, args...))
	}
}

// StdLogger adapts a *log.Logger to a Logger. If logger == nil, the returned
// Logger sends logs to the default package-level logger.
func StdLogger(logger *log.Logger) Logger {
	if logger == nil {
		return func(text string) { log.Output(2, text) }
	}
	return func(text string) { logger.Output(2, text) }
}

// An RPCLogger receives callbacks for each request received and for each
// reply the dispatcher sends itself, invoked synchronously with dispatch.
// Replies completed later through an AsyncContext are not passed to
// LogReply.
type RPCLogger interface {
	LogRequest(job []byte, method string)
	LogReply(method string, errCode int)
}

type nullRPCLogger struct{}

func (nullRPCLogger) LogRequest([]byte, string) {}
func (nullRPCLogger) LogReply(string, int)       {}

// Options control the behavior of an Agent created by New. A nil *Options
// provides sensible defaults. It is safe to share Options among multiple
// Agent instances.
type Options struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// If not nil, the methods of this value are called to log each request
	// received and each reply the dispatcher sends itself (see RPCLogger).
	RPCLog RPCLogger

	// If not nil, counters are recorded here (RPC bytes in/out, requests
	// dispatched, jobs accepted/dropped, replies dropped).
	Metrics *metrics.M

	// The RPC channel number to register on the frame registry. Zero value
	// defaults to 1 (channel 0 is reserved for AVM, §6).
	Channel byte

	// The maximum accepted request document size, in bytes. A value less
	// than 1 defaults to 65536.
	MaxRequestSize int

	// Instructs the Agent to disable the built-in rubic.* methods.
	//
	// By default, an Agent reserves the names rubic.info, rubic.queue and
	// rubic.status, even if a caller's Register maps them; other rubic.*
	// names are not reserved. When this option is true, those names are passed
	// along to the caller's registry instead.
	DisableBuiltin bool

	// The number of workers in the pool backing the "queue" method.  A
	// value less than 1 uses runtime.NumCPU().
	Workers int

	// Allows up to the specified number of goroutines to execute in
	// parallel in method handlers. A value less than 1 uses
	// runtime.NumCPU(). Since the RPC channel's job mailbox holds only one
	// assembled request at a time, this bounds how many handlers may still
	// be finishing while the next job is being reassembled, not how many
	// requests may be in flight on the wire.
	Concurrency int
}

func (o *Options) logFunc() func(string, ...any) {
	if o == nil || o.Logger == nil {
		return func(string, ...any) {}
	}
	return o.Logger.Printf
}

func (o *Options) rpcLog() RPCLogger {
	if o == nil || o.RPCLog == nil {
		return nullRPCLogger{}
	}
	return o.RPCLog
}

func (o *Options) metricsOrNil() *metrics.M {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Options) channel() byte {
	if o == nil || o.Channel == 0 {
		return 1
	}
	return o.Channel
}

func (o *Options) maxRequestSize() int {
	if o == nil || o.MaxRequestSize < 1 {
		return 65536
	}
	return o.MaxRequestSize
}

func (o *Options) allowBuiltin() bool { return o == nil || !o.DisableBuiltin }

func (o *Options) workerCount() int {
	if o == nil || o.Workers < 1 {
		return runtime.NumCPU()
	}
	return o.Workers
}

func (o *Options) concurrency() int64 {
	if o == nil || o.Concurrency < 1 {
		return int64(runtime.NumCPU())
	}
	return int64(o.Concurrency)
}

// Agent owns the registry, encoder, and worker pool for one host-bridge
// instance. Construct with New, register channels and methods, then call
// Serve in a goroutine (or loop calling ServeOne).
type Agent struct {
	opts     *Options
	registry *Registry
	encoder  *frame.Encoder
	channel  byte
	sink     *rpcChannelSink
	pool     *worker.Pool
	mx       *metrics.M
	logf     func(string, ...any)
	rpclog   RPCLogger
	sem      *semaphore.Weighted
}

// New constructs an Agent that encodes replies through enc. Callers must
// still register the returned Agent's Channel() with a frame.Registry and,
// separately, register AVM and any other non-RPC channels.
func New(enc *frame.Encoder, opts *Options) *Agent {
	mailbox := make(chan []byte, 1)
	a := &Agent{
		opts:     opts,
		registry: NewRegistry(),
		encoder:  enc,
		channel:  opts.channel(),
		pool:     worker.NewPool(opts.workerCount()),
		mx:       opts.metricsOrNil(),
		logf:     opts.logFunc(),
		rpclog:   opts.rpcLog(),
		sem:      semaphore.NewWeighted(opts.concurrency()),
	}
	a.sink = newRPCChannelSink(opts.maxRequestSize(), mailbox, a.mx)
	if opts.allowBuiltin() {
		a.registerBuiltins()
	}
	return a
}

// Channel returns the frame.Channel to register for this Agent's RPC
// traffic.
func (a *Agent) Channel() *frame.Channel {
	return &frame.Channel{Number: a.channel, Packetized: true, Sink: a.sink}
}

// Pool returns the worker pool backing the "queue" method, so callers can
// register runtimes and storages and call Start/AutoBoot on it.
func (a *Agent) Pool() *worker.Pool { return a.pool }

// NewPipeChannel returns a raw duplex byte channel sharing this Agent's
// transport encoder, for a runtime that needs an unframed console or log
// stream alongside the RPC traffic (§6 "additional pipe channels are
// registered dynamically"). The caller must still register the returned
// Duplex's Sink() under number in the same frame.Registry as
// Agent.Channel().
func (a *Agent) NewPipeChannel(number byte) *channel.Duplex {
	return channel.NewDuplex(a.encoder, number)
}

// Register adds m to the method table. It reports an error if the name is
// already registered, or if it collides with a reserved rubic.* name while
// built-ins are enabled.
func (a *Agent) Register(m *Method) error {
	if a.opts.allowBuiltin() && isReservedName(m.Name) {
		return fmt.Errorf("agent: %q is a reserved method name", m.Name)
	}
	return a.registry.Register(m)
}
