package eventsocket

import (
    "context"
    "fmt"
    "net"
    "sync"
    "time"

    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/internal/metrics"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

// Handler processes one parsed event. Implemented by
// internal/callhandler.Dispatcher.
type Handler interface {
    HandleEvent(ctx context.Context, conn *Conn, ev *Event)
}

// Server accepts voice-switch connections and dispatches each parsed
// event block to Handler, mirroring the teacher's agi.Server connection
// loop: Accept in a goroutine, one goroutine per connection, graceful
// shutdown via context cancellation plus a hard listener close.
//
// Parsed events are handed to a bounded pool of worker goroutines
// (config.PerformanceConfig.EventWorkerPoolSize/EventQueueSize) rather
// than processed inline in the connection's read loop, so a slow
// handler call (a DB round-trip, or a Conn.Kill waiting out
// CommandTimeout) for one call_uuid never blocks reading — and thus
// dispatching — events for other call_uuids on the same connection.
// Per-call_uuid ordering is still guaranteed by callhandler's own
// sequencer, not by this pool.
type Server struct {
    cfg     config.SwitchConfig
    perf    config.PerformanceConfig
    handler Handler
    metrics *metrics.PrometheusMetrics

    mu       sync.Mutex
    listener net.Listener
    conns    map[*Conn]struct{}
    connWG   sync.WaitGroup // connection read-loop goroutines
    workerWG sync.WaitGroup // event dispatch worker goroutines

    events chan eventJob
}

type eventJob struct {
    ctx  context.Context
    conn *Conn
    ev   *Event
}

func NewServer(cfg config.SwitchConfig, perf config.PerformanceConfig, handler Handler, pm *metrics.PrometheusMetrics) *Server {
    s := &Server{
        cfg:     cfg,
        perf:    perf,
        handler: handler,
        metrics: pm,
        conns:   make(map[*Conn]struct{}),
        events:  make(chan eventJob, perf.EventQueueSize),
    }
    for i := 0; i < perf.EventWorkerPoolSize; i++ {
        s.workerWG.Add(1)
        go s.worker()
    }
    return s
}

func (s *Server) worker() {
    defer s.workerWG.Done()
    for job := range s.events {
        start := time.Now()
        s.handler.HandleEvent(job.ctx, job.conn, job.ev)
        if s.metrics != nil {
            s.metrics.ObserveHistogram("switch_event_processing_seconds", time.Since(start).Seconds(),
                map[string]string{"event_kind": string(job.ev.Kind)})
        }
    }
}

func (s *Server) ListenAndServe(ctx context.Context) error {
    addr := s.cfg.GetSwitchAddr()
    ln, err := net.Listen("tcp", addr)
    if err != nil {
        return errors.Wrap(err, errors.ErrSwitchConnection, "failed to listen on switch address")
    }
    s.mu.Lock()
    s.listener = ln
    s.mu.Unlock()

    logger.WithField("addr", addr).Info("event socket listening")

    go func() {
        <-ctx.Done()
        s.mu.Lock()
        if s.listener != nil {
            s.listener.Close()
        }
        s.mu.Unlock()
    }()

    for {
        conn, err := ln.Accept()
        if err != nil {
            select {
            case <-ctx.Done():
                s.connWG.Wait()
                return nil
            default:
                logger.WithError(err).Warn("event socket accept failed")
                continue
            }
        }

        s.mu.Lock()
        active := len(s.conns)
        s.mu.Unlock()
        if active >= s.cfg.MaxConnections {
            conn.Close()
            continue
        }

        c := newConn(conn, s.cfg)
        s.mu.Lock()
        s.conns[c] = struct{}{}
        activeConns := len(s.conns)
        s.mu.Unlock()
        if s.metrics != nil {
            s.metrics.IncrementCounter("switch_connections_total", map[string]string{})
            s.metrics.SetGauge("switch_connections_active", float64(activeConns), nil)
        }

        s.connWG.Add(1)
        go func() {
            defer s.connWG.Done()
            defer func() {
                s.mu.Lock()
                delete(s.conns, c)
                activeConns := len(s.conns)
                s.mu.Unlock()
                if s.metrics != nil {
                    s.metrics.SetGauge("switch_connections_active", float64(activeConns), nil)
                }
                c.Close()
            }()
            s.serve(ctx, c)
        }()
    }
}

// serve only reads and parses; it never calls the handler inline.
// Each parsed event is handed to the worker pool so a handler call
// that blocks (a DB round-trip, or Conn.Kill waiting on the switch's
// reply) never stalls reading further events for other call_uuids.
func (s *Server) serve(ctx context.Context, c *Conn) {
    for {
        if s.cfg.IdleTimeout > 0 {
            c.raw.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
        }
        first, rest, err := readBlock(c.reader)
        if err != nil {
            return
        }
        if first == "" {
            continue
        }
        if isCommandResponse(first) {
            c.deliverResponse(first)
            continue
        }

        headers := parseHeaderLines(first, rest)
        ev, ok := ParseEvent(headers)
        if !ok {
            logger.WithField("event_name", headers["Event-Name"]).Debug("event socket: unrecognized event, discarding")
            continue
        }

        select {
        case s.events <- eventJob{ctx: ctx, conn: c, ev: ev}:
        case <-ctx.Done():
            return
        }
    }
}

// Shutdown closes the listener and every open switch connection, waits
// for the connection goroutines to exit, then closes the event queue and
// waits for queued/in-flight handler calls to finish. It gives up after
// cfg.ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
    s.mu.Lock()
    if s.listener != nil {
        s.listener.Close()
    }
    for c := range s.conns {
        c.Close()
    }
    s.mu.Unlock()

    done := make(chan struct{})
    go func() {
        s.connWG.Wait()
        close(s.events)
        s.workerWG.Wait()
        close(done)
    }()

    select {
    case <-done:
        return nil
    case <-time.After(s.cfg.ShutdownTimeout):
        return fmt.Errorf("event socket shutdown timed out")
    }
}
