package agent

import (
	"context"

	"github.com/hostbridge-go/agent/bson"
	"github.com/hostbridge-go/agent/code"
	"github.com/hostbridge-go/agent/frame"
)

// Serve consumes jobs from the RPC channel and dispatches each until ctx is
// done.
func (a *Agent) Serve(ctx context.Context) {
	for a.ServeOne(ctx) {
	}
}

// ServeOne waits for at most one job and dispatches it. The job's mailbox
// slot is freed as soon as this call accepts it, so the RPC channel's frame
// assembler can start reassembling the next request while this one's
// handler is still running; a.sem (sized by Options.Concurrency) bounds how
// many such handlers may be in flight together. ServeOne returns false
// without dispatching if ctx ends first.
func (a *Agent) ServeOne(ctx context.Context) bool {
	select {
	case job := <-a.sink.mailbox:
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return false
		}
		go func() {
			defer a.sem.Release(1)
			a.dispatch(job)
		}()
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Agent) dispatch(jobDoc []byte) {
	var offVersion, offMethod, offParams, offID int
	parsed := bson.GetProps(jobDoc,
		bson.P("jsonrpc", &offVersion),
		bson.P("method", &offMethod),
		bson.P("params", &offParams),
		bson.P("id", &offID))

	notify := offID < 0
	version := bson.GetString(jobDoc, offVersion, "")
	name := bson.GetString(jobDoc, offMethod, "")

	a.rpclog.LogRequest(jobDoc, name)
	a.mx.RPCRequests()

	var method *Method
	var errCode code.Code
	switch {
	case parsed < 0:
		errCode = code.ParseError
	case offVersion < 0 || offMethod < 0 || version != "2.0" || name == "":
		errCode = code.InvalidRequest
	default:
		m, ok := a.registry.Lookup(name)
		if !ok {
			errCode = code.MethodNotFound
		} else {
			method = m
		}
	}

	if method != nil {
		params := bson.GetSubdocument(jobDoc, offParams, bson.EmptyDocument)
		if method.Sync != nil {
			result, err := method.Sync(params)
			if err != nil {
				a.logf("agent: method %q: %v", name, err)
				errCode = toCode(err)
			} else if notify {
				// No reply to build; fall through to the notify check below.
			} else {
				a.sendReply(jobDoc, offID, result, result == nil, 0)
				a.rpclog.LogReply(name, 0)
				return
			}
		} else {
			ctx := &AsyncContext{d: a, reqDoc: jobDoc, idOffset: offID, isNotify: notify}
			if err := method.Async(ctx, params); err != nil {
				a.logf("agent: method %q: %v", name, err)
				errCode = toCode(err)
			} else {
				return // handler owns the reply now
			}
		}
	}

	if notify {
		return
	}
	a.sendReply(jobDoc, offID, nil, true, errCode)
	a.rpclog.LogReply(name, int(errCode))
}

func toCode(err error) code.Code {
	switch e := err.(type) {
	case code.Code:
		return e
	case *Error:
		return e.Code
	default:
		return code.InternalError
	}
}

// sendReply builds and frames a reply document. If errCode is nonzero,
// result is ignored and a {jsonrpc, error: {code}, id} reply is sent.
// Otherwise a {jsonrpc, result, id} reply is sent, with a null result when
// resultIsNull is set.
//
// The reply is built with bson.Alloc sized by measuring every element
// first, so the append-only writer never needs to grow past its initial
// capacity. If that still fails (buildReply panics, e.g. on a corrupt job
// document whose id element's declared size disagrees with its actual
// bytes), the reply is retried once as a bare InternalError with no id; a
// second failure is dropped silently rather than risk wedging the RPC
// channel.
func (a *Agent) sendReply(reqDoc []byte, idOffset int, result []byte, resultIsNull bool, errCode code.Code) {
	doc, ok := a.tryBuildReply(reqDoc, idOffset, result, resultIsNull, errCode)
	if !ok {
		doc, ok = a.tryBuildReply(reqDoc, -1, nil, true, code.InternalError)
		if !ok {
			a.mx.RPCRepliesDropped()
			return
		}
	}
	if err := a.encoder.Send(a.channel, doc, frame.Packetized); err != nil {
		a.logf("agent: sending reply: %v", err)
		return
	}
	a.mx.RPCBytesOut(int64(len(doc)))
}

func (a *Agent) tryBuildReply(reqDoc []byte, idOffset int, result []byte, resultIsNull bool, errCode code.Code) (doc []byte, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return buildReply(reqDoc, idOffset, result, resultIsNull, errCode), true
}

func buildReply(reqDoc []byte, idOffset int, result []byte, resultIsNull bool, errCode code.Code) []byte {
	idSize := bson.MeasureElement("id", reqDoc, idOffset)

	var err error
	var errDoc []byte
	n := bson.MeasureString("jsonrpc", "2.0") + idSize
	switch {
	case errCode != 0:
		errDoc = bson.Alloc(bson.MeasureInt32("code"))
		errDoc, err = bson.SetInt32(errDoc, "code", int32(errCode))
		if err != nil {
			panic(err)
		}
		n += bson.MeasureSubdocument("error", errDoc)
	case resultIsNull:
		n += bson.MeasureNull("result")
	default:
		n += bson.MeasureSubdocument("result", result)
	}

	doc := bson.Alloc(n)
	doc, err = bson.SetString(doc, "jsonrpc", "2.0")
	if err != nil {
		panic(err)
	}
	switch {
	case errCode != 0:
		doc, err = bson.SetSubdocument(doc, "error", errDoc)
	case resultIsNull:
		doc, err = bson.SetNull(doc, "result")
	default:
		doc, err = bson.SetSubdocument(doc, "result", result)
	}
	if err != nil {
		panic(err)
	}
	doc, _, err = bson.SetElement(doc, "id", reqDoc, idOffset)
	if err != nil {
		panic(err)
	}
	return doc
}
