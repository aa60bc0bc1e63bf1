// Package hwapp runs a haywire server as an application: environment parsing, structured
// logging, OpenTelemetry tracing, AWS clients, configuration loading and graceful shutdown.
//
// # Overview
//
//	hwapp.NewApp[Env](func(s *haywire.Server, h *Handlers) error {
//	    return s.HandleFunc("/items", h.ListItems, nil)
//	},
//	    hwapp.WithAWSClient(func(cfg aws.Config) *s3.Client { return s3.NewFromConfig(cfg) }),
//	    hwapp.WithFx(fx.Provide(NewHandlers)),
//	).Run()
//
// # Environment Configuration
//
// Define your environment by embedding [BaseEnvironment]:
//
//	type Env struct {
//	    hwapp.BaseEnvironment
//	    Bucket string `env:"BUCKET,required"`
//	}
//
//	| Variable            | Required | Default | Description                                        |
//	|---------------------|----------|---------|----------------------------------------------------|
//	| HW_SERVICE_NAME     | Yes      | -       | Service name for logging and tracing               |
//	| HW_CONFIG_LOCATION  | Yes      | -       | Where the server configuration is read from        |
//	| HW_STATS_PATH       | No       | -       | Serve the server counters at this path             |
//	| HW_LOG_LEVEL        | No       | info    | Log level (debug, info, warn, error)               |
//	| HW_OTEL_EXPORTER    | No       | stdout  | Trace exporter: "stdout", "xrayudp" or "none"      |
//	| HW_ACCESS_LOG       | No       | false   | Log every finished response with [AccessLog]       |
//
// # Server Configuration
//
// The listen address, port and size limits come from a haywire configuration file (INI or JSON)
// found at HW_CONFIG_LOCATION. Besides local paths, [ConfigSource] reads s3://, ssm:// and
// secretsmanager:// locations.
//
// # Tracing
//
// Every request gets a server span. The tracer provider and propagator are injected, there are
// no globals. AWS SDK calls are traced through otelaws and outbound HTTP calls through the
// transport from [NewHTTPTransport].
//
// # Dependency Injection
//
// hwapp uses [go.uber.org/fx]. Add custom providers with [WithFx]. For tests, the hwapptest
// package builds the same graph on fxtest.
package hwapp
