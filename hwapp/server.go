package hwapp

import (
	"context"

	"github.com/advdv/haywire"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ServerConfig holds optional configuration for the haywire server.
type ServerConfig struct {
	NotFoundHandler haywire.Handler
	Middleware      []haywire.Middleware
}

// ServerParams holds the dependencies for creating a haywire server.
type ServerParams struct {
	fx.In

	Env        Environment
	Config     haywire.Config
	Logger     *zap.Logger
	TracerProv trace.TracerProvider
	Propagator propagation.TextMapPropagator
}

// NewServer creates an initialized haywire server with tracing and logging wired to the app.
func NewServer(params ServerParams, cfg ServerConfig) (*haywire.Server, error) {
	opts := []haywire.Option{
		haywire.WithLogger(newZapHaywireLogger(params.Logger)),
		haywire.WithEngineLogger(params.Logger.Named("gnet").Sugar()),
		haywire.WithTracerProvider(params.TracerProv),
		haywire.WithPropagator(params.Propagator),
	}
	if path := params.Env.statsPath(); path != "" {
		opts = append(opts, haywire.WithStatsRoute(path))
	}
	if cfg.NotFoundHandler != nil {
		opts = append(opts, haywire.WithNotFoundHandler(cfg.NotFoundHandler))
	}

	srv := haywire.NewServer(opts...)
	if params.Env.accessLog() {
		srv.Use(AccessLog(params.Logger.Named("access")))
	}
	srv.Use(cfg.Middleware...)

	if err := srv.Init(params.Config); err != nil {
		return nil, err
	}

	return srv, nil
}

// startServerHook opens the server when the app starts and shuts it down when it stops.
func startServerHook(lc fx.Lifecycle, srv *haywire.Server, logger *zap.Logger) {
	served := make(chan error, 1)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting server", zap.String("addr", srv.Addr()))
			go func() { served <- srv.Open(context.Background()) }()

			select {
			case <-srv.Ready():
				return nil
			case err := <-served:
				return err
			case <-ctx.Done():
				go func() { _ = srv.Shutdown(context.Background()) }()
				return ctx.Err()
			}
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping server")
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}

			select {
			case err := <-served:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
