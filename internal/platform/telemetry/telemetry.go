// Package telemetry records intake metrics with the OpenTelemetry SDK and
// exports them over OTLP/gRPC when a collector endpoint is configured.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const meterName = "github.com/mindwell/intake"

// Config holds the telemetry settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is the OTLP/gRPC collector address. Empty disables export;
	// instruments still record so callers need no nil checks.
	Endpoint string
	Insecure bool
	Interval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "intake-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
}

// Provider owns the meter provider and the intake instruments.
type Provider struct {
	cfg      Config
	provider *sdkmetric.MeterProvider

	scored      metric.Int64Counter
	scores      metric.Int64Histogram
	submissions metric.Int64Counter
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
}

// New builds a provider that pushes to cfg.Endpoint on a periodic reader.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.applyDefaults()
	if cfg.Endpoint == "" {
		return NewWithReader(cfg, nil)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}
	return NewWithReader(cfg, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval)))
}

// NewWithReader builds a provider around an explicit reader. A nil reader
// records without exporting. Tests pass a ManualReader.
func NewWithReader(cfg Config, reader sdkmetric.Reader) (*Provider, error) {
	cfg.applyDefaults()

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	p := &Provider{cfg: cfg, provider: mp}
	if err := p.initInstruments(mp.Meter(meterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments(m metric.Meter) error {
	var err error
	if p.scored, err = m.Int64Counter("intake_assessments_scored_total",
		metric.WithDescription("Assessments scored, by instrument and severity"),
		metric.WithUnit("{assessment}")); err != nil {
		return fmt.Errorf("create scored counter: %w", err)
	}
	if p.scores, err = m.Int64Histogram("intake_assessment_score",
		metric.WithDescription("Total score of scored assessments"),
		metric.WithExplicitBucketBoundaries(0, 5, 10, 15, 20, 25, 30, 40)); err != nil {
		return fmt.Errorf("create score histogram: %w", err)
	}
	if p.submissions, err = m.Int64Counter("intake_submissions_total",
		metric.WithDescription("Assessment submissions, by instrument and forward status"),
		metric.WithUnit("{submission}")); err != nil {
		return fmt.Errorf("create submissions counter: %w", err)
	}
	if p.requests, err = m.Int64Counter("intake_http_requests_total",
		metric.WithDescription("HTTP requests handled"),
		metric.WithUnit("{request}")); err != nil {
		return fmt.Errorf("create request counter: %w", err)
	}
	if p.duration, err = m.Float64Histogram("intake_http_request_duration_seconds",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s")); err != nil {
		return fmt.Errorf("create duration histogram: %w", err)
	}
	return nil
}

// RecordScored counts one scored assessment and observes its total.
func (p *Provider) RecordScored(ctx context.Context, instrument, severity string, total int) {
	attrs := metric.WithAttributes(
		attribute.String("instrument", instrument),
		attribute.String("severity", severity),
	)
	p.scored.Add(ctx, 1, attrs)
	p.scores.Record(ctx, int64(total), metric.WithAttributes(attribute.String("instrument", instrument)))
}

// RecordSubmission counts one stored submission.
func (p *Provider) RecordSubmission(ctx context.Context, instrument, forwardStatus string) {
	p.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instrument", instrument),
		attribute.String("forward_status", forwardStatus),
	))
}

// Middleware records request count and latency labelled by route template,
// never by raw path, so ids and query strings stay out of metric labels.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.String("status_code", strconv.Itoa(status)),
			)
			ctx := c.Request().Context()
			p.requests.Add(ctx, 1, attrs)
			p.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}

// Shutdown flushes pending metrics and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
