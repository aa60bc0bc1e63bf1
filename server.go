package haywire

import (
	"context"
	"log"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/gnet/v2"
	"github.com/panjf2000/gnet/v2/pkg/logging"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Server is a single HTTP/1.x server instance: its routes, its configuration and its event loop. Several servers
// can live in one process. Routes are registered before [Server.Open]; after that the route table is read-only.
type Server struct {
	logs         Logger
	engineLogger logging.Logger
	registry     *Registry
	middlewares  struct {
		captured bool
		buffered []Middleware
	}

	notFound   Handler
	statsPath  string
	tracer     trace.TracerProvider
	propagator propagation.TextMapPropagator

	stats      *Stats
	pool       *bufferPool
	dispatcher *dispatcher
	cfg        Config

	mu          sync.Mutex
	initialized bool
	opened      bool
	stopping    bool
	eng         gnet.Engine
	ready       chan struct{}
	done        chan struct{}
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger the server reports to.
func WithLogger(l Logger) Option {
	return func(s *Server) { s.logs = l }
}

// WithEngineLogger sets the logger of the underlying event engine.
func WithEngineLogger(l logging.Logger) Option {
	return func(s *Server) { s.engineLogger = l }
}

// WithTracerProvider enables a span for every dispatched request.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp }
}

// WithPropagator sets how trace context is read from request headers. It defaults to W3C trace context.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(s *Server) { s.propagator = p }
}

// WithNotFoundHandler replaces the handler for requests that match no route. It is called with nil route data.
func WithNotFoundHandler(h Handler) Option {
	return func(s *Server) { s.notFound = h }
}

// WithStatsRoute serves the server's counters at path.
func WithStatsRoute(path string) Option {
	return func(s *Server) { s.statsPath = path }
}

// NewServer inits a server. It needs one of the Init methods to be called before it can be opened.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logs:     NewStdLogger(log.Default()),
		registry: NewRegistry(),
		notFound: notFoundHandler(),
		stats:    &Stats{},
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.tracer != nil {
		if s.propagator == nil {
			s.propagator = propagation.TraceContext{}
		}

		s.middlewares.buffered = append(s.middlewares.buffered, Tracing(s.tracer, s.propagator))
	}

	return s
}

// Use adds middleware that wraps every handler registered afterwards, including the not-found handler. It panics
// when called after a route was registered.
func (s *Server) Use(mw ...Middleware) {
	if s.middlewares.captured {
		panic("haywire: cannot call Use() after calling Handle")
	}

	s.middlewares.buffered = append(s.middlewares.buffered, mw...)
}

// Handle registers h for requests to exactly path. The data is passed to every invocation of h.
func (s *Server) Handle(path string, h Handler, data any) error {
	s.middlewares.captured = true
	if err := s.registry.Register(path, s.wrap(h), data); err != nil {
		return err
	}

	s.logs.LogRouteAdded(path)

	return nil
}

// HandleFunc registers a handler function for path.
func (s *Server) HandleFunc(path string, f func(w *WriteContext, r *Request, data any), data any) error {
	return s.Handle(path, HandlerFunc(f), data)
}

// Mount registers h for prefix and every path below it.
func (s *Server) Mount(prefix string, h Handler, data any) error {
	s.middlewares.captured = true
	if err := s.registry.Mount(prefix, s.wrap(h), data); err != nil {
		return err
	}

	s.logs.LogRouteAdded(prefix + "/...")

	return nil
}

func (s *Server) wrap(h Handler) Handler {
	if h == nil {
		return nil
	}

	return Wrap(h, s.middlewares.buffered...)
}

// Init validates cfg and makes a copy of it.
func (s *Server) Init(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return errors.Wrap(ErrInvalidConfig, "server is already open")
	}

	s.cfg = cfg
	s.pool = newBufferPool(cfg.BufferLimit, s.stats)
	s.initialized = true

	return nil
}

// InitWithConfig inits the server to listen on address and port, with defaults for everything else.
func (s *Server) InitWithConfig(address string, port int) error {
	cfg, err := configFromVars(map[string]string{"HTTP_LISTEN_PORT": strconv.Itoa(port)})
	if err != nil {
		return err
	}

	cfg.ListenAddress = address

	return s.Init(cfg)
}

// InitFromConfig inits the server from the configuration file at path.
func (s *Server) InitFromConfig(path string) error {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return err
	}

	return s.Init(cfg)
}

// Config returns the configuration the server was initialized with.
func (s *Server) Config() Config { return s.cfg }

// Addr returns the address the server listens on.
func (s *Server) Addr() string { return s.cfg.Addr() }

// Stats returns the server's counters.
func (s *Server) Stats() *Stats { return s.stats }

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// prepare freezes the routes. It runs once, before the first connection is accepted.
func (s *Server) prepare() error {
	if s.dispatcher != nil {
		return nil
	}

	if !s.initialized {
		return ErrNotInitialized
	}

	if s.statsPath != "" {
		if err := s.Handle(s.statsPath, StatsHandler(s.stats), nil); err != nil {
			return err
		}
	}

	s.registry.Freeze()
	s.dispatcher = &dispatcher{
		registry: s.registry,
		notFound: s.wrap(s.notFound),
		logs:     s.logs,
		stats:    s.stats,
	}

	return nil
}

// stashLimit bounds the bytes a connection holds on to while it is busy with a request.
func (s *Server) stashLimit() int {
	limit := s.cfg.MaxHeaderBytes
	if s.cfg.MaxRequestBytes > 0 {
		limit += s.cfg.MaxRequestBytes
	}

	return limit
}

// Open listens on the configured address and serves connections until ctx is done or [Server.Shutdown] is
// called. A server can only be opened once.
func (s *Server) Open(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}

	if s.opened {
		s.mu.Unlock()
		return errors.New("haywire: server already opened")
	}

	s.opened = true
	s.mu.Unlock()

	defer close(s.done)

	if err := s.prepare(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		if err := s.Shutdown(context.Background()); err != nil {
			s.logs.LogServeError(err)
		}
	})
	defer stop()

	opts := []gnet.Option{
		gnet.WithMulticore(false),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}
	if s.engineLogger != nil {
		opts = append(opts, gnet.WithLogger(s.engineLogger))
	}

	if err := gnet.Run(&engine{srv: s}, "tcp://"+s.cfg.Addr(), opts...); err != nil {
		return errors.Wrapf(err, "haywire: failed to serve on %s", s.cfg.Addr())
	}

	return nil
}

// Shutdown stops accepting connections, closes the open ones and waits for the event loop to exit or ctx to be
// done. It is a no-op for a server that is not open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()

	if !opened {
		return nil
	}

	select {
	case <-s.ready:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "haywire: waiting for the engine to boot")
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
	} else {
		s.stopping = true
		eng := s.eng
		s.mu.Unlock()

		if err := eng.Stop(ctx); err != nil {
			return errors.Wrap(err, "haywire: failed to stop engine")
		}
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "haywire: waiting for the engine to stop")
	}
}

func (s *Server) booted(eng gnet.Engine) {
	s.mu.Lock()
	s.eng = eng
	s.mu.Unlock()

	s.logs.LogListening(s.cfg.Addr())
	close(s.ready)
}
