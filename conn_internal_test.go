package haywire

import (
	"bytes"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket is a reactor that records writes. With sync set, writes complete before AsyncWrite returns.
type fakeSocket struct {
	sync    bool
	out     bytes.Buffer
	pending []func(error)
	posted  []func()
	closes  int
}

func (s *fakeSocket) AsyncWrite(p []byte, done func(error)) error {
	s.out.Write(p)
	if s.sync {
		done(nil)
		return nil
	}

	s.pending = append(s.pending, done)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closes++
	return nil
}

func (s *fakeSocket) Post(fn func()) error {
	s.posted = append(s.posted, fn)
	return nil
}

func (s *fakeSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

// complete finishes all pending writes, in order.
func (s *fakeSocket) complete(err error) {
	pending := s.pending
	s.pending = nil

	for _, done := range pending {
		done(err)
	}
}

func (s *fakeSocket) runPosted() {
	posted := s.posted
	s.posted = nil

	for _, fn := range posted {
		fn()
	}
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *TestLogger) {
	t.Helper()
	logs := NewTestLogger(t)

	return NewServer(append([]Option{WithLogger(logs)}, opts...)...), logs
}

func accept(t *testing.T, srv *Server, sync bool) (*Conn, *fakeSocket) {
	t.Helper()
	if !srv.initialized {
		require.NoError(t, srv.InitWithConfig("127.0.0.1", 8080))
	}

	sock := &fakeSocket{sync: sync}
	conn, err := srv.Accept(sock)
	require.NoError(t, err)
	conn.HandleOpen()
	require.Equal(t, StateReading, conn.State())

	return conn, sock
}

func okResponse(body string) []byte {
	return []byte("HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body)
}

func echoPath() HandlerFunc {
	return func(w *WriteContext, r *Request, _ any) {
		_ = w.Write(okResponse(r.Path()), nil, nil)
	}
}

func requireBalancedBuffers(t *testing.T, srv *Server) {
	t.Helper()
	snap := srv.Stats().Snapshot()
	require.Equal(t, snap.BuffersAcquired, snap.BuffersReleased, "every buffer must be released exactly once")
}

func TestStatsRouteKeepsConnectionOpen(t *testing.T) {
	srv, _ := newTestServer(t, WithStatsRoute("/stats"))
	conn, sock := accept(t, srv, false)

	conn.HandleRead([]byte("GET /stats HTTP/1.1\r\nHost: h\r\nConnection: keep-alive\r\n\r\n"))
	require.Equal(t, StateWriting, conn.State())
	require.Len(t, sock.pending, 1)

	sock.complete(nil)
	require.Equal(t, StateKeepAliveIdle, conn.State())
	require.Zero(t, sock.closes)

	out := sock.out.String()
	require.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	require.Contains(t, out, "Connection: keep-alive\r\n")
	require.Contains(t, out, "requests_dispatched_total 1\n")

	sock.out.Reset()
	conn.HandleRead([]byte("GET /stats HTTP/1.1\r\nHost: h\r\n\r\n"))
	sock.complete(nil)

	require.Contains(t, sock.out.String(), "requests_dispatched_total 2\n")
	require.Equal(t, StateKeepAliveIdle, conn.State())
	require.Zero(t, sock.closes)
	requireBalancedBuffers(t, srv)
}

func TestMissingRouteGetsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Handle("/known", echoPath(), nil))
	conn, sock := accept(t, srv, true)

	conn.HandleRead([]byte("GET /missing HTTP/1.1\r\nHost: h\r\n\r\n"))

	require.Equal(t, StatusResponse(CodeNotFound, true), sock.out.Bytes())
	require.Equal(t, StateKeepAliveIdle, conn.State())
	require.EqualValues(t, 1, srv.Stats().Snapshot().RoutesNotFound)
}

func TestCustomNotFoundHandler(t *testing.T) {
	srv, _ := newTestServer(t, WithNotFoundHandler(HandlerFunc(func(w *WriteContext, r *Request, data any) {
		assert.Nil(t, data)
		_ = w.Write(okResponse("fallback "+r.Path()), nil, nil)
	})))
	conn, sock := accept(t, srv, true)

	conn.HandleRead([]byte("GET /nowhere HTTP/1.1\r\n\r\n"))
	require.Equal(t, okResponse("fallback /nowhere"), sock.out.Bytes())
}

func TestCloseAfterFinalWriteWithoutKeepAlive(t *testing.T) {
	for _, req := range []string{
		"GET /x HTTP/1.1\r\nConnection: close\r\n\r\n",
		"GET /x HTTP/1.0\r\n\r\n",
	} {
		t.Run(req, func(t *testing.T) {
			srv, _ := newTestServer(t)
			require.NoError(t, srv.Handle("/x", echoPath(), nil))
			conn, sock := accept(t, srv, false)

			conn.HandleRead([]byte(req))
			require.Zero(t, sock.closes, "no close before the write completed")

			sock.complete(nil)
			require.Equal(t, 1, sock.closes)
			require.Equal(t, StateClosing, conn.State())

			conn.HandleClose(nil)
			require.Equal(t, StateClosed, conn.State())
			require.EqualValues(t, 1, srv.Stats().Snapshot().ConnectionsDestroyed)
			requireBalancedBuffers(t, srv)
		})
	}
}

func TestHandlerCanTurnKeepAliveOff(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.HandleFunc("/bye", func(w *WriteContext, _ *Request, _ any) {
		require.True(t, w.KeepAlive())
		w.SetKeepAlive(false)
		w.SetKeepAlive(true)
		_ = w.Write(okResponse("bye"), nil, nil)
	}, nil))
	conn, sock := accept(t, srv, true)

	conn.HandleRead([]byte("GET /bye HTTP/1.1\r\n\r\n"))
	require.Equal(t, 1, sock.closes)
	require.Equal(t, StateClosing, conn.State())
}

func TestTruncatedRequestThenEOF(t *testing.T) {
	srv, _ := newTestServer(t)

	var called bool
	require.NoError(t, srv.HandleFunc("/upload", func(*WriteContext, *Request, any) { called = true }, nil))
	conn, sock := accept(t, srv, false)

	conn.HandleRead([]byte("POST /upload HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\nabc"))
	require.Equal(t, StateReading, conn.State())

	conn.HandleEOF(nil)
	require.Equal(t, 1, sock.closes)
	require.Equal(t, StateClosing, conn.State())

	conn.HandleClose(nil)
	require.Equal(t, StateClosed, conn.State())
	require.False(t, called)
	require.Empty(t, conn.asm.req.Body())
	require.Empty(t, sock.out.Bytes())
	requireBalancedBuffers(t, srv)
}

func TestCloseWhileWriteOutstanding(t *testing.T) {
	srv, _ := newTestServer(t)

	var (
		dones  []error
		finish []error
	)
	require.NoError(t, srv.HandleFunc("/slow", func(w *WriteContext, _ *Request, _ any) {
		w.AfterFinish(func(err error) { finish = append(finish, err) })
		require.NoError(t, w.Write(okResponse("slow"), func(data any, err error) {
			require.Equal(t, "token", data)
			dones = append(dones, err)
		}, "token"))
	}, nil))
	conn, sock := accept(t, srv, false)

	conn.HandleRead([]byte("GET /slow HTTP/1.1\r\n\r\n"))
	require.Len(t, sock.pending, 1)

	conn.HandleClose(nil)
	require.Equal(t, StateClosed, conn.State())
	require.Len(t, dones, 1)
	require.ErrorIs(t, dones[0], ErrConnClosed)
	require.Len(t, finish, 1)
	require.ErrorIs(t, finish[0], ErrConnClosed)
	requireBalancedBuffers(t, srv)

	// a late completion from the reactor is ignored
	sock.complete(nil)
	require.Len(t, dones, 1)
	requireBalancedBuffers(t, srv)
}

func TestAfterFinishOnCloseWithoutFinalWrite(t *testing.T) {
	srv, _ := newTestServer(t)

	var finish []error
	require.NoError(t, srv.HandleFunc("/never", func(w *WriteContext, _ *Request, _ any) {
		w.AfterFinish(func(err error) { finish = append(finish, err) })
	}, nil))
	conn, _ := accept(t, srv, false)

	conn.HandleRead([]byte("GET /never HTTP/1.1\r\n\r\n"))
	require.Equal(t, StateWriting, conn.State())

	conn.HandleClose(nil)
	require.Len(t, finish, 1)
	require.ErrorIs(t, finish[0], ErrConnClosed)
}

func TestSynchronousCompletionRunsAfterHandler(t *testing.T) {
	srv, _ := newTestServer(t)

	var events []string
	require.NoError(t, srv.HandleFunc("/multi", func(w *WriteContext, _ *Request, _ any) {
		head := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"
		require.NoError(t, w.WriteChunk([]byte(head), func(data any, err error) {
			require.NoError(t, err)
			events = append(events, "done:"+data.(string))
		}, "head"))
		require.NoError(t, w.Write([]byte("hello"), func(data any, err error) {
			require.NoError(t, err)
			events = append(events, "done:"+data.(string))
		}, "body"))

		events = append(events, "handler returned")
	}, nil))
	conn, sock := accept(t, srv, true)

	conn.HandleRead([]byte("GET /multi HTTP/1.1\r\n\r\n"))

	require.Equal(t, []string{"handler returned", "done:head", "done:body"}, events)
	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", sock.out.String())
	require.Equal(t, StateKeepAliveIdle, conn.State())

	snap := srv.Stats().Snapshot()
	require.EqualValues(t, 2, snap.BuffersAcquired)
	require.EqualValues(t, 2, snap.BuffersReleased)
	require.EqualValues(t, sock.out.Len(), snap.BytesWritten)
}

func TestWriteSendsExactLength(t *testing.T) {
	srv, _ := newTestServer(t)

	payload := []byte("HTTP/1.1 204 No Content\r\n\r\n")
	require.NoError(t, srv.HandleFunc("/exact", func(w *WriteContext, _ *Request, _ any) {
		_ = w.Write(payload, nil, nil)
	}, nil))
	conn, sock := accept(t, srv, true)

	conn.HandleRead([]byte("GET /exact HTTP/1.1\r\n\r\n"))
	require.Equal(t, payload, sock.out.Bytes())
	require.Len(t, sock.out.Bytes(), len(payload))
}

func TestWriteAfterFinish(t *testing.T) {
	srv, _ := newTestServer(t)

	var second, chunk error
	require.NoError(t, srv.HandleFunc("/twice", func(w *WriteContext, _ *Request, _ any) {
		require.NoError(t, w.Write(okResponse("one"), nil, nil))
		second = w.Write(okResponse("two"), nil, nil)
		chunk = w.WriteChunk([]byte("x"), nil, nil)
	}, nil))
	conn, sock := accept(t, srv, false)

	conn.HandleRead([]byte("GET /twice HTTP/1.1\r\n\r\n"))
	require.ErrorIs(t, second, ErrResponseFinished)
	require.ErrorIs(t, chunk, ErrResponseFinished)

	sock.complete(nil)
	require.Equal(t, okResponse("one"), sock.out.Bytes())
	requireBalancedBuffers(t, srv)
}

func TestHeldBytesAreParsedAfterResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Handle("/a", echoPath(), nil))
	require.NoError(t, srv.Handle("/b", echoPath(), nil))
	conn, sock := accept(t, srv, false)

	conn.HandleRead([]byte("GET /a HTTP/1.1\r\n\r\nGET /b HT"))
	require.Equal(t, StateWriting, conn.State())
	require.Equal(t, okResponse("/a"), sock.out.Bytes())

	conn.HandleRead([]byte("TP/1.1\r\n\r\n"))
	require.Len(t, sock.pending, 1, "second request waits for the first response")

	sock.complete(nil)
	require.Equal(t, string(okResponse("/a"))+string(okResponse("/b")), sock.out.String())

	sock.complete(nil)
	require.Equal(t, StateKeepAliveIdle, conn.State())
	require.EqualValues(t, 2, srv.Stats().Snapshot().RequestsDispatched)
}

func TestParseErrorRespondsAndCloses(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  func(*Config)
		in   string
		code Code
	}{
		{"folded header", nil, "GET / HTTP/1.1\r\nA: b\r\n c\r\n\r\n", CodeBadRequest},
		{"bad version", nil, "GET / HTTP/2.5\r\n\r\n", CodeBadRequest},
		{"bad target", nil, "GET %zz HTTP/1.1\r\n\r\n", CodeBadRequest},
		{"header too large", func(c *Config) { c.MaxHeaderBytes = 32 }, "GET / HTTP/1.1\r\nX-Long: " +
			string(bytes.Repeat([]byte("a"), 64)) + "\r\n\r\n", CodeRequestHeaderFieldsTooLarge},
		{"request too large", func(c *Config) { c.MaxRequestBytes = 16 }, "POST / HTTP/1.1\r\n" +
			"Content-Length: 32\r\n\r\n" + string(bytes.Repeat([]byte("b"), 32)), CodeRequestEntityTooLarge},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv, logs := newTestServer(t)
			cfg, err := configFromVars(map[string]string{"HTTP_LISTEN_PORT": "8080"})
			require.NoError(t, err)
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			require.NoError(t, srv.Init(cfg))
			require.NoError(t, srv.Mount("/", echoPath(), nil))

			conn, sock := accept(t, srv, false)
			conn.HandleRead([]byte(tc.in))

			require.Equal(t, StatusResponse(tc.code, false), sock.out.Bytes())
			require.Zero(t, sock.closes)

			sock.complete(nil)
			require.Equal(t, 1, sock.closes)
			require.Equal(t, StateClosing, conn.State())
			require.EqualValues(t, 1, logs.NumLogProtocolError)
			require.EqualValues(t, 1, srv.Stats().Snapshot().ProtocolErrors)
			require.Zero(t, srv.Stats().Snapshot().RequestsDispatched)

			conn.HandleClose(nil)
			requireBalancedBuffers(t, srv)
		})
	}
}

func TestHandlerPanic(t *testing.T) {
	srv, logs := newTestServer(t)
	require.NoError(t, srv.HandleFunc("/boom", func(*WriteContext, *Request, any) {
		panic("boom")
	}, nil))
	conn, sock := accept(t, srv, true)

	conn.HandleRead([]byte("GET /boom HTTP/1.1\r\n\r\n"))

	require.Equal(t, StatusResponse(CodeInternalServerError, false), sock.out.Bytes())
	require.Equal(t, 1, sock.closes)
	require.EqualValues(t, 1, logs.NumLogHandlerPanic)
	require.EqualValues(t, 1, srv.Stats().Snapshot().HandlerPanics)
}

func TestCompletionPanicClosesConnection(t *testing.T) {
	srv, logs := newTestServer(t)
	require.NoError(t, srv.HandleFunc("/x", func(w *WriteContext, _ *Request, _ any) {
		_ = w.Write(okResponse("x"), func(any, error) { panic("in completion") }, nil)
	}, nil))
	conn, sock := accept(t, srv, false)

	conn.HandleRead([]byte("GET /x HTTP/1.1\r\n\r\n"))
	sock.complete(nil)

	require.Equal(t, 1, sock.closes)
	require.Equal(t, StateClosing, conn.State())
	require.EqualValues(t, 1, logs.NumLogHandlerPanic)
	requireBalancedBuffers(t, srv)
}

func TestWriteErrorClosesConnection(t *testing.T) {
	srv, _ := newTestServer(t)

	var got error
	require.NoError(t, srv.HandleFunc("/x", func(w *WriteContext, _ *Request, _ any) {
		_ = w.Write(okResponse("x"), func(_ any, err error) { got = err }, nil)
	}, nil))
	conn, sock := accept(t, srv, false)

	conn.HandleRead([]byte("GET /x HTTP/1.1\r\n\r\n"))
	sock.complete(net.ErrClosed)

	require.ErrorIs(t, got, net.ErrClosed)
	require.Equal(t, 1, sock.closes)
	require.Zero(t, srv.Stats().Snapshot().BytesWritten)
	requireBalancedBuffers(t, srv)
}

func TestWriteOutOfMemory(t *testing.T) {
	srv, _ := newTestServer(t)
	cfg, err := configFromVars(map[string]string{"HTTP_LISTEN_PORT": "8080", "HTTP_BUFFER_LIMIT": "16"})
	require.NoError(t, err)
	require.NoError(t, srv.Init(cfg))

	var werr error
	require.NoError(t, srv.HandleFunc("/big", func(w *WriteContext, _ *Request, _ any) {
		werr = w.Write(okResponse("this response does not fit"), nil, nil)
		_ = w.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")[:16], nil, nil)
	}, nil))
	conn, sock := accept(t, srv, true)

	conn.HandleRead([]byte("GET /big HTTP/1.1\r\n\r\n"))
	require.ErrorIs(t, werr, ErrOutOfMemory)
	require.Len(t, sock.out.Bytes(), 16)
	requireBalancedBuffers(t, srv)
}

func TestBuiltinResponseOutOfMemoryClosesConnection(t *testing.T) {
	for _, path := range []string{"/missing", "/stats"} {
		t.Run(path, func(t *testing.T) {
			srv, _ := newTestServer(t, WithStatsRoute("/stats"))
			cfg, err := configFromVars(map[string]string{"HTTP_LISTEN_PORT": "8080", "HTTP_BUFFER_LIMIT": "16"})
			require.NoError(t, err)
			require.NoError(t, srv.Init(cfg))
			conn, sock := accept(t, srv, true)

			conn.HandleRead([]byte("GET " + path + " HTTP/1.1\r\nHost: h\r\n\r\n"))
			require.Equal(t, StateClosing, conn.State())
			require.Equal(t, 1, sock.closes)
			require.Empty(t, sock.out.Bytes())

			conn.HandleClose(nil)
			require.Equal(t, StateClosed, conn.State())
			requireBalancedBuffers(t, srv)
		})
	}
}

func TestMountPathBelowPrefix(t *testing.T) {
	srv, _ := newTestServer(t)
	reply := HandlerFunc(func(w *WriteContext, r *Request, _ any) {
		_ = w.Write(okResponse(r.MountPrefix()+" "+r.MountPath()), nil, nil)
	})
	require.NoError(t, srv.Mount("/", reply, nil))
	require.NoError(t, srv.Mount("/api/", reply, nil))
	require.NoError(t, srv.Handle("/api/health", reply, nil))
	conn, sock := accept(t, srv, true)

	for path, want := range map[string]string{
		"/api/users/1": "/api /users/1",
		"/api":         "/api /",
		"/api/health":  " /api/health",
		"/other":       "/ /other",
	} {
		sock.out.Reset()
		conn.HandleRead([]byte("GET " + path + "?q=1 HTTP/1.1\r\n\r\n"))
		require.Equal(t, okResponse(want), sock.out.Bytes(), path)
	}
}

func TestAcceptBeforeOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	_, err := srv.Accept(&fakeSocket{})
	require.ErrorIs(t, err, ErrNotInitialized)
	require.Zero(t, srv.Stats().Snapshot().ConnectionsCreated)

	require.NoError(t, srv.HandleFunc("/early", echoPath(), nil))
	require.NoError(t, srv.InitWithConfig("127.0.0.1", 8080))

	sock := &fakeSocket{sync: true}
	conn, err := srv.Accept(sock)
	require.NoError(t, err)
	require.True(t, srv.registry.Frozen())
	require.ErrorIs(t, srv.HandleFunc("/late", echoPath(), nil), ErrRegistryFrozen)

	conn.HandleOpen()
	conn.HandleRead([]byte("GET /early HTTP/1.1\r\n\r\n"))
	require.Equal(t, okResponse("/early"), sock.out.Bytes())
	require.Equal(t, StateKeepAliveIdle, conn.State())
}

func TestWriteBufferTransfersOwnership(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf *Buffer
	require.NoError(t, srv.HandleFunc("/buf", func(w *WriteContext, r *Request, _ any) {
		var err error
		buf, err = w.NewBuffer()
		require.NoError(t, err)

		_, _ = buf.Write(okResponse(r.Method()))
		require.NoError(t, w.WriteBuffer(buf, nil, nil))
	}, nil))
	conn, sock := accept(t, srv, false)

	conn.HandleRead([]byte("PUT /buf HTTP/1.1\r\nContent-Length: 0\r\n\r\n"))
	require.False(t, buf.Released())

	sock.complete(nil)
	require.True(t, buf.Released())
	require.Equal(t, okResponse("PUT"), sock.out.Bytes())
	require.PanicsWithValue(t, ErrBufferReleased, func() { buf.Bytes() })
	requireBalancedBuffers(t, srv)
}

func TestPostResumesOnLoop(t *testing.T) {
	srv, _ := newTestServer(t)

	var parked *WriteContext
	require.NoError(t, srv.HandleFunc("/later", func(w *WriteContext, _ *Request, _ any) {
		parked = w
	}, nil))
	conn, sock := accept(t, srv, true)

	conn.HandleRead([]byte("GET /later HTTP/1.1\r\n\r\n"))
	require.Empty(t, sock.out.Bytes())
	require.Equal(t, StateWriting, conn.State())

	require.NoError(t, parked.Post(func() {
		_ = parked.Write(okResponse("later"), nil, nil)
	}))
	sock.runPosted()

	require.Equal(t, okResponse("later"), sock.out.Bytes())
	require.Equal(t, StateKeepAliveIdle, conn.State())
}

func TestDispatchIsChunkingInvariant(t *testing.T) {
	raw := "POST /items/7?x=1 HTTP/1.1\r\nHost: example.com\r\nX-Tag: a\r\nx-tag: b\r\n" +
		"Transfer-Encoding: chunked\r\n\r\n4\r\nwiki\r\n5\r\npedia\r\n0\r\n\r\n"

	type seen struct {
		Method, URL, Path, Query, Proto, Host, Tags, Body string
		KeepAlive                                         bool
	}

	serve := func(t *testing.T, chunk int) seen {
		srv, _ := newTestServer(t)

		var got []seen
		require.NoError(t, srv.Mount("/items", HandlerFunc(func(w *WriteContext, r *Request, _ any) {
			got = append(got, seen{
				r.Method(), r.URL(), r.Path(), r.RawQuery(), r.Proto(),
				r.Header("host"), r.Header("X-TAG"), string(r.Body()), r.KeepAlive(),
			})
			_ = w.Write(okResponse(""), nil, nil)
		}), nil))
		conn, _ := accept(t, srv, true)

		for in := []byte(raw); len(in) > 0; {
			n := min(chunk, len(in))
			conn.HandleRead(in[:n])
			in = in[n:]
		}

		require.Len(t, got, 1)
		return got[0]
	}

	want := seen{
		Method: "POST", URL: "/items/7?x=1", Path: "/items/7", Query: "x=1", Proto: "HTTP/1.1",
		Host: "example.com", Tags: "a, b", Body: "wikipedia", KeepAlive: true,
	}

	for chunk := 1; chunk <= len(raw); chunk++ {
		require.Equal(t, want, serve(t, chunk), "chunk size %d", chunk)
	}
}
