package agent

import (
	"strconv"

	"github.com/hostbridge-go/agent/bson"
	"github.com/hostbridge-go/agent/code"
	"github.com/hostbridge-go/agent/worker"
)

const rubicVersion = "1.0"

func isReservedName(name string) bool {
	switch name {
	case "rubic.info", "rubic.queue", "rubic.status":
		return true
	}
	return false
}

func (a *Agent) registerBuiltins() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(a.registry.Register(&Method{Name: "rubic.info", Sync: a.rubicInfo}))
	must(a.registry.Register(&Method{Name: "rubic.queue", Async: a.rubicQueue}))
	must(a.registry.Register(&Method{Name: "rubic.status", Sync: a.rubicStatus}))
}

// rubicInfo returns { rubicVersion, runtimes[], storages{} } (§6).
func (a *Agent) rubicInfo(params []byte) ([]byte, error) {
	runtimes := a.pool.Runtimes()
	storages := a.pool.Storages()

	namesLen := 0
	for i, rt := range runtimes {
		namesLen += bson.MeasureString(strconv.Itoa(i), rt.Name)
	}
	runtimeArr := bson.Alloc(namesLen)
	for i, rt := range runtimes {
		var err error
		runtimeArr, err = bson.SetString(runtimeArr, strconv.Itoa(i), rt.Name)
		if err != nil {
			return nil, code.InternalError
		}
	}

	storeLen := 0
	for _, st := range storages {
		storeLen += bson.MeasureString(st.Name, st.MountPath)
	}
	storeDoc := bson.Alloc(storeLen)
	for _, st := range storages {
		var err error
		storeDoc, err = bson.SetString(storeDoc, st.Name, st.MountPath)
		if err != nil {
			return nil, code.InternalError
		}
	}

	n := bson.MeasureString("rubicVersion", rubicVersion) +
		bson.MeasureArray("runtimes", runtimeArr) +
		bson.MeasureSubdocument("storages", storeDoc)
	out := bson.Alloc(n)
	var err error
	if out, err = bson.SetString(out, "rubicVersion", rubicVersion); err != nil {
		return nil, code.InternalError
	}
	if out, err = bson.SetArray(out, "runtimes", runtimeArr); err != nil {
		return nil, code.InternalError
	}
	if out, err = bson.SetSubdocument(out, "storages", storeDoc); err != nil {
		return nil, code.InternalError
	}
	return out, nil
}

// rubicStatus returns { threads: [{ running: bool }] } (§6).
func (a *Agent) rubicStatus(params []byte) ([]byte, error) {
	workers := a.pool.Workers()

	entries := make([][]byte, len(workers))
	arrLen := 0
	for i, w := range workers {
		running := w.State() == worker.Running || w.State() == worker.Starting || w.State() == worker.Aborting
		entry := bson.Alloc(bson.MeasureBoolean("running"))
		entry, err := bson.SetBoolean(entry, "running", running)
		if err != nil {
			return nil, code.InternalError
		}
		entries[i] = entry
		arrLen += bson.MeasureSubdocument(strconv.Itoa(i), entry)
	}
	threadsArr := bson.Alloc(arrLen)
	for i, entry := range entries {
		var err error
		threadsArr, err = bson.SetSubdocument(threadsArr, strconv.Itoa(i), entry)
		if err != nil {
			return nil, code.InternalError
		}
	}

	n := bson.MeasureArray("threads", threadsArr)
	out := bson.Alloc(n)
	out, err := bson.SetArray(out, "threads", threadsArr)
	if err != nil {
		return nil, code.InternalError
	}
	return out, nil
}

// rubicQueue implements the async "queue" method: it validates params and
// hands off to the worker pool's queueing policy (§4.8), replying only
// once the pool calls back.
func (a *Agent) rubicQueue(ctx *AsyncContext, params []byte) error {
	var offName, offTID, offRuntime, offFile, offSource, offDebug int
	bson.GetProps(params,
		bson.P("name", &offName),
		bson.P("tid", &offTID),
		bson.P("runtime", &offRuntime),
		bson.P("file", &offFile),
		bson.P("source", &offSource),
		bson.P("debug", &offDebug))

	name := bson.GetString(params, offName, "start")
	hasTID := offTID >= 0
	tid := int(bson.GetInt32(params, offTID, -1))
	req := worker.StartRequest{
		Runtime: bson.GetString(params, offRuntime, ""),
		File:    bson.GetString(params, offFile, ""),
		Source:  bson.GetString(params, offSource, ""),
		Debug:   bson.GetBoolean(params, offDebug, false),
	}

	err := a.pool.Queue(hasTID, tid, name, req, func(result any, err error) {
		if err != nil {
			ctx.CompleteError(toCode(err))
			return
		}
		doc, buildErr := buildResultDoc(result)
		if buildErr != nil {
			ctx.CompleteError(code.InternalError)
			return
		}
		ctx.Complete(doc)
	})
	return err
}

// buildResultDoc turns the small set of result shapes the worker pool's
// callbacks produce into a BSON document.
func buildResultDoc(result any) ([]byte, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		n := 0
		for k, val := range v {
			switch x := val.(type) {
			case int32:
				n += bson.MeasureInt32(k)
			case string:
				n += bson.MeasureString(k, x)
			}
		}
		doc := bson.Alloc(n)
		var err error
		for k, val := range v {
			switch x := val.(type) {
			case int32:
				doc, err = bson.SetInt32(doc, k, x)
			case string:
				doc, err = bson.SetString(doc, k, x)
			}
			if err != nil {
				return nil, err
			}
		}
		return doc, nil
	case int:
		doc := bson.Alloc(bson.MeasureInt32("code"))
		return bson.SetInt32(doc, "code", int32(v))
	default:
		return nil, nil
	}
}
