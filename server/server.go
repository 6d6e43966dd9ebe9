// Package server holds the process-wide state a running broker needs beyond
// any single connection: the client-id registry connections consult for
// session takeover, the shared routing core, the plugin list, and the
// periodic session-expiry tick. Opening sockets and terminating TLS is this
// module's stated external-collaborator boundary (see spec.md §6's
// "Transports" note) -- Server.Serve takes an already-constructed
// net.Listener per name and never dials, listens, or loads certificates
// itself.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eliasyaoyc/rsmqtt/broker"
	"github.com/eliasyaoyc/rsmqtt/config"
	"github.com/eliasyaoyc/rsmqtt/conn"
	"github.com/eliasyaoyc/rsmqtt/network"
	"github.com/eliasyaoyc/rsmqtt/pkg/logger"
)

// tracerName identifies every span this package starts, read off whatever
// TracerProvider is globally registered (otel.GetTracerProvider()) at New
// time -- same lookup-by-name idiom as the secondary teacher's own
// server.New (internal/server/server.go's "otel.GetTracerProvider().Tracer(...)").
// A process that never calls otel.SetTracerProvider gets the no-op tracer,
// so tracing is opt-in and free when unconfigured.
const tracerName = "github.com/eliasyaoyc/rsmqtt/server"

// defaultPluginPoolSize bounds the goroutines ants.Pool keeps warm for
// fire-and-forget plugin lifecycle callbacks; a slow plugin can occupy at
// most this many at once before Submit starts blocking its caller.
const defaultPluginPoolSize = 256

// Server is component F: the process-wide registry, config, and plugin
// registry every connection driver shares.
type Server struct {
	cfg     *config.Config
	storage *broker.Storage
	reg     *registry
	log     logger.Logger

	rewrites []conn.Rewrite
	plugins  []conn.Plugin
	pool     *ants.Pool
	tracer   trace.Tracer
}

// New validates cfg and builds a Server. storage is the routing core shared
// across every connection the server drives; callers that want session
// persistence build it with broker.NewStorageWithPersistence before calling
// New. Any cfg.Plugins entries are turned into one hook.Manager-backed
// conn.Plugin (see buildConfiguredPlugin) and run ahead of the explicitly
// passed-in plugins.
func New(cfg *config.Config, storage *broker.Storage, log logger.Logger, plugins []conn.Plugin) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: invalid config: %w", err)
	}

	rewrites, err := conn.CompileRewrites(cfg.Rewrites)
	if err != nil {
		return nil, fmt.Errorf("server: compiling topic rewrites: %w", err)
	}

	configured, err := buildConfiguredPlugin(cfg.Plugins)
	if err != nil {
		return nil, err
	}
	if configured != nil {
		plugins = append([]conn.Plugin{configured}, plugins...)
	}

	pool, err := ants.NewPool(defaultPluginPoolSize)
	if err != nil {
		return nil, fmt.Errorf("server: building plugin pool: %w", err)
	}

	return &Server{
		cfg:      cfg,
		storage:  storage,
		reg:      newRegistry(),
		log:      log,
		rewrites: rewrites,
		plugins:  plugins,
		pool:     pool,
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
	}, nil
}

// Metrics returns a snapshot of the routing core's current state.
func (s *Server) Metrics() broker.Metrics { return s.storage.Metrics() }

// ConnectionCount reports the number of client ids currently registered.
func (s *Server) ConnectionCount() int { return s.reg.Count() }

func (s *Server) options() conn.Options {
	return conn.Options{
		Mqtt:       s.cfg.Mqtt,
		Proxy:      s.cfg.Proxy,
		Rewrites:   s.rewrites,
		Storage:    s.storage,
		Registry:   s.reg,
		Plugins:    s.plugins,
		PluginPool: s.pool,
		Logger:     s.log,
	}
}

// Serve runs the accept loop for one already-constructed net.Listener,
// wrapping every accepted net.Conn in network.Connection and handing it to
// conn.Serve. name labels the listener in logs and in the per-connection
// transport id; it should match the config.Listener.Name this net.Listener
// was built from. Serve blocks until ln.Accept fails, normally because the
// caller closed ln; canceling ctx alone does not unblock Accept. If ctx is
// canceled by then, Serve waits for every connection spawned from it to exit
// and returns nil; otherwise it returns the Accept error without waiting.
func (s *Server) Serve(ctx context.Context, name string, ln net.Listener) error {
	opts := s.options()

	var connWG sync.WaitGroup
	var connID uint64
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				connWG.Wait()
				return nil
			default:
			}
			s.log.Error("accept failed", "listener", name, "error", err)
			return err
		}

		connID++
		id := fmt.Sprintf("%s-%d", name, connID)
		transport := network.NewConnection(nc, id, nil)

		connWG.Add(1)
		go func() {
			defer connWG.Done()
			connCtx, span := s.tracer.Start(ctx, "mqtt.connection",
				trace.WithAttributes(
					attribute.String("mqtt.listener", name),
					attribute.String("mqtt.conn_id", id),
					attribute.String("net.peer.addr", nc.RemoteAddr().String()),
				))
			defer span.End()

			if err := conn.Serve(connCtx, transport, opts); err != nil {
				span.RecordError(err)
				s.log.Debug("connection closed", "listener", name, "conn", id, "error", err)
			}
		}()
	}
}

// RunTicker drives broker.Storage.Tick at cfg.SysInterval (default 1s),
// firing will-delay and session-expiry timers, until ctx is canceled.
// Exactly one caller per Server should run this.
func (s *Server) RunTicker(ctx context.Context) {
	interval := s.cfg.SysInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.storage.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the plugin dispatch pool. Call once every Serve/RunTicker
// call this Server is driving has returned.
func (s *Server) Close() {
	s.pool.Release()
}
