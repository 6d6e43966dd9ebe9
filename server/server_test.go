package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/eliasyaoyc/rsmqtt/broker"
	"github.com/eliasyaoyc/rsmqtt/config"
	"github.com/eliasyaoyc/rsmqtt/pkg/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(slog.LevelError+100, io.Discard)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(&config.Config{}, broker.NewStorage(), testLogger(), nil)
	assert.Error(t, err, "zero-value config is missing required Mqtt fields")
}

func TestNewRejectsBadRewrite(t *testing.T) {
	cfg := config.Default()
	cfg.Rewrites = []config.TopicRewrite{{Pattern: "[", Replace: "x"}}

	_, err := New(cfg, broker.NewStorage(), testLogger(), nil)
	assert.Error(t, err)
}

func TestServeAcceptsConnectionsUntilContextCanceled(t *testing.T) {
	cfg := config.Default()
	srv, err := New(cfg, broker.NewStorage(), testLogger(), nil)
	require.NoError(t, err)
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "test", ln) }()

	nc, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	_ = nc.Close()

	cancel()
	_ = ln.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

// TestServeRecordsASpanPerConnection exercises the otel wiring in Serve: a
// real SpanRecorder-backed TracerProvider is installed as the global
// provider (the lookup Server.tracer reads at New time), and one accepted,
// closed connection must produce one "mqtt.connection" span.
func TestServeRecordsASpanPerConnection(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prevProvider := otel.GetTracerProvider()
	sdktp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(sdktp)
	defer otel.SetTracerProvider(prevProvider)

	cfg := config.Default()
	srv, err := New(cfg, broker.NewStorage(), testLogger(), nil)
	require.NoError(t, err)
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "traced", ln) }()

	nc, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	_ = nc.Close()

	require.Eventually(t, func() bool {
		return len(recorder.Ended()) >= 1
	}, time.Second, 5*time.Millisecond, "expected a span for the accepted connection")

	cancel()
	_ = ln.Close()
	<-done

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "mqtt.connection", spans[0].Name())
}

func TestRunTickerStopsOnContextCancel(t *testing.T) {
	cfg := config.Default()
	cfg.SysInterval = 5 * time.Millisecond
	storage := broker.NewStorage()
	srv, err := New(cfg, storage, testLogger(), nil)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.RunTicker(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunTicker did not return after context cancellation")
	}
}
