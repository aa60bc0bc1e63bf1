package haywire

import "fmt"

// dispatcher routes completed requests to their handlers.
type dispatcher struct {
	registry *Registry
	notFound Handler
	logs     Logger
	stats    *Stats
}

// serve looks up the handler for the request and calls it. A request for an unknown path is answered by the
// not-found handler. If the handler panics the response is replaced by a fixed 500 response, or cut short if the
// handler already finished it, and the connection closes.
func (d *dispatcher) serve(w *WriteContext, r *Request) {
	defer func() {
		if v := recover(); v != nil {
			d.stats.handlerPanics.Add(1)
			d.logs.LogHandlerPanic(r.Path(), v)
			d.abort(w)
		}
	}()

	e, ok := d.registry.Lookup(r.Path())
	if !ok {
		d.stats.routesNotFound.Add(1)
		d.notFound.ServeHaywire(w, r, nil)

		return
	}

	r.mount = e.prefix
	e.handler.ServeHaywire(w, r, e.data)
}

// complete calls a write completion. A panic in it is logged like a handler panic and turns keep-alive off.
func (d *dispatcher) complete(w *WriteContext, done CompletionFunc, data any, err error) {
	defer func() {
		if v := recover(); v != nil {
			d.stats.handlerPanics.Add(1)
			d.logs.LogHandlerPanic(w.req.Path(), fmt.Sprintf("in write completion: %v", v))
			w.SetKeepAlive(false)
		}
	}()

	done(data, err)
}

func (d *dispatcher) abort(w *WriteContext) {
	w.SetKeepAlive(false)
	if w.Finished() {
		return
	}

	respond(w, StatusResponse(CodeInternalServerError, false))
}

// respond writes resp as the complete response and drops the connection when the write cannot be queued.
func respond(w *WriteContext, resp []byte) {
	if err := w.Write(resp, nil, nil); err != nil {
		w.SetKeepAlive(false)
		w.conn.close()
	}
}

// notFoundHandler answers with a fixed 404 response and keeps the connection open if the client allows it.
func notFoundHandler() Handler {
	return HandlerFunc(func(w *WriteContext, _ *Request, _ any) {
		respond(w, StatusResponse(CodeNotFound, w.KeepAlive()))
	})
}
