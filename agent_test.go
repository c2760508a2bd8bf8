package agent

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/hostbridge-go/agent/bson"
	"github.com/hostbridge-go/agent/code"
	"github.com/hostbridge-go/agent/frame"
	"github.com/hostbridge-go/agent/worker"
)

func newTestAgent(t *testing.T, opts *Options) (*Agent, *frame.Decoder, frame.Port) {
	t.Helper()
	a, b := frame.Pipe()
	enc := frame.NewEncoder(a)
	ag := New(enc, opts)

	reg := frame.NewRegistry()
	if err := reg.Register(ag.Channel()); err != nil {
		t.Fatal(err)
	}
	return ag, frame.NewDecoder(reg), b
}

// feedJob frames doc (a complete BSON document, whose own leading 4-byte
// length prefix doubles as the job-assembly length the RPC channel sink
// expects) as a single packet on channel.
func feedJob(d *frame.Decoder, channel byte, doc []byte) {
	d.Feed([]byte{frame.ChannelPrefix, channel, frame.SOP})
	for i, b := range doc {
		if i == len(doc)-1 {
			d.Feed([]byte{frame.EOPPrefix})
		}
		d.Feed([]byte{b})
	}
}

func readReply(t *testing.T, hostSide frame.Port) []byte {
	t.Helper()
	reg := frame.NewRegistry()
	sink := &recordingSink{}
	if err := reg.Register(&frame.Channel{Number: 1, Packetized: true, Sink: sink}); err != nil {
		t.Fatal(err)
	}
	dec := frame.NewDecoder(reg)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		buf := make([]byte, 4096)
		n, _ := hostSide.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if len(sink.bytes) > 0 {
				return sink.bytes
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no reply received")
	return nil
}

type recordingSink struct{ bytes []byte }

func (s *recordingSink) Write(b byte, first, last bool) { s.bytes = append(s.bytes, b) }

func buildRequest(t *testing.T, method string, params []byte, id *int32) []byte {
	t.Helper()
	var idSize int
	if id != nil {
		idSize = bson.MeasureInt32("id")
	}
	n := bson.MeasureString("jsonrpc", "2.0") + bson.MeasureString("method", method) + idSize
	if params != nil {
		n += bson.MeasureSubdocument("params", params)
	}
	doc := bson.Alloc(n)
	var err error
	doc, err = bson.SetString(doc, "jsonrpc", "2.0")
	if err != nil {
		t.Fatal(err)
	}
	doc, err = bson.SetString(doc, "method", method)
	if err != nil {
		t.Fatal(err)
	}
	if params != nil {
		doc, err = bson.SetSubdocument(doc, "params", params)
		if err != nil {
			t.Fatal(err)
		}
	}
	if id != nil {
		doc, err = bson.SetInt32(doc, "id", *id)
		if err != nil {
			t.Fatal(err)
		}
	}
	return doc
}

func int32p(v int32) *int32 { return &v }

// TestPipeChannelSharesTransport exercises NewPipeChannel: a raw channel
// registered alongside the RPC channel on the same Agent carries unframed
// bytes independent of any JSON-RPC traffic.
func TestPipeChannelSharesTransport(t *testing.T) {
	a, host := frame.Pipe()
	enc := frame.NewEncoder(a)
	ag := New(enc, nil)
	pipe := ag.NewPipeChannel(9)

	reg := frame.NewRegistry()
	if err := reg.Register(&frame.Channel{Number: 9, Packetized: false, Sink: pipe.Sink()}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ag.Channel()); err != nil {
		t.Fatal(err)
	}
	consoleDec := frame.NewDecoder(reg)

	consoleDec.Feed([]byte{frame.ChannelPrefix, 9})
	consoleDec.Feed([]byte("log line"))

	got := make([]byte, len("log line"))
	n := 0
	for n < len(got) {
		m, err := pipe.Read(got[n:])
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		n += m
	}
	if string(got) != "log line" {
		t.Fatalf("got %q, want %q", got, "log line")
	}

	if _, err := pipe.Write([]byte("ack")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 64)
	deadline := time.Now().Add(time.Second)
	hn := 0
	for hn == 0 && time.Now().Before(deadline) {
		hn, _ = host.Read(buf)
	}
	if hn == 0 {
		t.Fatal("no bytes written to host side")
	}
}

// TestInfoCallReturnsResult is scenario S1.
func TestInfoCallReturnsResult(t *testing.T) {
	defer leaktest.Check(t)()
	ag, dec, host := newTestAgent(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ag.Serve(ctx)

	req := buildRequest(t, "rubic.info", nil, int32p(42))
	feedJob(dec, 1, req)

	reply := readReply(t, host)
	var offResult, offID int
	if bson.GetProps(reply, bson.P("result", &offResult), bson.P("id", &offID)) != 2 {
		t.Fatalf("reply missing result/id: % x", reply)
	}
	if got := bson.GetInt32(reply, offID, -1); got != 42 {
		t.Fatalf("id = %d, want 42", got)
	}
	result := bson.GetSubdocument(reply, offResult, nil)
	var offVersion int
	if bson.GetProps(result, bson.P("rubicVersion", &offVersion)) != 1 {
		t.Fatalf("result missing rubicVersion: % x", result)
	}
}

// TestNotificationProducesNoReply is scenario S2: a request with no id
// never produces output, even when the method errors.
func TestNotificationProducesNoReply(t *testing.T) {
	defer leaktest.Check(t)()
	ag, dec, host := newTestAgent(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ag.Serve(ctx)

	req := buildRequest(t, "does.not.exist", nil, nil)
	feedJob(dec, 1, req)

	buf := make([]byte, 64)
	time.Sleep(50 * time.Millisecond)
	n, _ := host.Read(buf)
	if n != 0 {
		t.Fatalf("notification produced %d bytes of reply, want 0", n)
	}
}

// TestMethodNotFound is scenario S3.
func TestMethodNotFound(t *testing.T) {
	defer leaktest.Check(t)()
	ag, dec, host := newTestAgent(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ag.Serve(ctx)

	req := buildRequest(t, "does.not.exist", nil, int32p(7))
	feedJob(dec, 1, req)

	reply := readReply(t, host)
	var offError int
	if bson.GetProps(reply, bson.P("error", &offError)) != 1 {
		t.Fatalf("reply missing error: % x", reply)
	}
	errDoc := bson.GetSubdocument(reply, offError, nil)
	var offCode int
	bson.GetProps(errDoc, bson.P("code", &offCode))
	if got := bson.GetInt32(errDoc, offCode, 0); code.Code(got) != code.MethodNotFound {
		t.Fatalf("error code = %d, want %d", got, code.MethodNotFound)
	}
}

func TestDuplicateMethodRegistrationRejected(t *testing.T) {
	ag, _, _ := newTestAgent(t, nil)
	m := &Method{Name: "custom.echo", Sync: func(params []byte) ([]byte, error) { return nil, nil }}
	if err := ag.Register(m); err != nil {
		t.Fatal(err)
	}
	if err := ag.Register(m); err == nil {
		t.Fatal("expected error registering a duplicate method name")
	}
}

func TestReservedNameRejected(t *testing.T) {
	ag, _, _ := newTestAgent(t, nil)
	err := ag.Register(&Method{Name: "rubic.info", Sync: func([]byte) ([]byte, error) { return nil, nil }})
	if err == nil {
		t.Fatal("expected rubic.info to be rejected as reserved")
	}
}

// TestOutOfScopeNamespacesRegisterNormally confirms that the same Register
// entry point the core reserves rubic.info/queue/status under also accepts
// fs.* and rubic.prog.* names: those methods are implemented by collaborator
// packages (a filesystem driver, a program-transfer module) entirely out of
// this spec's scope, but the registry itself must not special-case them.
func TestOutOfScopeNamespacesRegisterNormally(t *testing.T) {
	ag, dec, host := newTestAgent(t, nil)
	if err := ag.Register(&Method{Name: "fs.read", Sync: func([]byte) ([]byte, error) { return nil, nil }}); err != nil {
		t.Fatalf("registering fs.read: %v", err)
	}
	if err := ag.Register(&Method{Name: "rubic.prog.load", Sync: func([]byte) ([]byte, error) { return nil, nil }}); err != nil {
		t.Fatalf("registering rubic.prog.load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ag.Serve(ctx)

	req := buildRequest(t, "fs.read", nil, int32p(3))
	feedJob(dec, 1, req)
	reply := readReply(t, host)
	var offResult int
	if bson.GetProps(reply, bson.P("result", &offResult)) != 1 {
		t.Fatalf("reply missing result: % x", reply)
	}
}

// TestQueueStartRoundTrip exercises rubic.queue end to end: it posts a
// start request with no tid, the pool picks the idle worker, and the reply
// carries {tid: 0}.
func TestQueueStartRoundTrip(t *testing.T) {
	ag, dec, host := newTestAgent(t, &Options{Workers: 1})
	ag.Pool().RegisterRuntime(worker.Runtime{Name: "echo", Run: func(ctx *worker.Context, file, source string, debug bool) error {
		ctx.NotifyInit()
		return nil
	}})
	ag.Pool().Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ag.Serve(ctx)

	params := bson.Alloc(bson.MeasureString("runtime", "echo"))
	params, _ = bson.SetString(params, "runtime", "echo")
	req := buildRequest(t, "rubic.queue", params, int32p(1))
	feedJob(dec, 1, req)

	reply := readReply(t, host)
	var offResult int
	if bson.GetProps(reply, bson.P("result", &offResult)) != 1 {
		t.Fatalf("reply missing result: % x", reply)
	}
	result := bson.GetSubdocument(reply, offResult, nil)
	var offTID int
	bson.GetProps(result, bson.P("tid", &offTID))
	if got := bson.GetInt32(result, offTID, -1); got != 0 {
		t.Fatalf("tid = %d, want 0", got)
	}
}

