package main

import (
	"context"
	"time"

	"github.com/Plagman/rpcs3/config"
	log "github.com/Plagman/rpcs3/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// setupTracing installs an OTLP/HTTP tracer provider when an endpoint is
// configured. The returned function flushes and shuts it down.
func setupTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	if cfg.OTLPEndpoint == "" {
		return func() {}, nil
	}
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "ppu"),
			attribute.String("service.version", Version),
			attribute.String("ppu.decoder", string(cfg.Decoder)),
		)),
	)
	otel.SetTracerProvider(tp)
	log.Info(log.GeneralMonitoring, "Tracing enabled", "endpoint", cfg.OTLPEndpoint)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn(log.GeneralMonitoring, "Tracer shutdown", "err", err)
		}
	}, nil
}
