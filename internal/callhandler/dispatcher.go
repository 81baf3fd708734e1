package callhandler

import (
    "context"
    "sync"
    "time"

    "github.com/jesus-bazan-entel/apolobilling/internal/authz"
    "github.com/jesus-bazan-entel/apolobilling/internal/cdr"
    "github.com/jesus-bazan-entel/apolobilling/internal/eventsocket"
    "github.com/jesus-bazan-entel/apolobilling/internal/metrics"
    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/internal/monitor"
    "github.com/jesus-bazan-entel/apolobilling/internal/store"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

// Dispatcher implements eventsocket.Handler, the single place the
// three accepted event kinds of §4.1 are routed from.
type Dispatcher struct {
    authorizer *authz.Authorizer
    monitor    *monitor.Supervisor
    generator  *cdr.Generator
    sessions   store.SessionStore
    metrics    *metrics.PrometheusMetrics
    conns      *connRegistry

    seq *sequencer

    decisionsMu sync.Mutex
    decisions   map[string]models.AuthDecision // idempotence cache for duplicate channel_create
}

// NewConnRegistry constructs the shared call_uuid→connection tracker.
// Callers pass it both to NewSupervisor (as its Killer) and to
// NewDispatcher, since the monitor's ticker and the dispatcher's event
// loop both need it and neither owns the other's construction.
func NewConnRegistry() *connRegistry {
    return newConnRegistry()
}

func NewDispatcher(authorizer *authz.Authorizer, sup *monitor.Supervisor, generator *cdr.Generator, sessions store.SessionStore, pm *metrics.PrometheusMetrics, conns *connRegistry) *Dispatcher {
    return &Dispatcher{
        authorizer: authorizer,
        monitor:    sup,
        generator:  generator,
        sessions:   sessions,
        metrics:    pm,
        conns:      conns,
        seq:        newSequencer(),
        decisions:  make(map[string]models.AuthDecision),
    }
}

// HandleEvent dispatches one parsed event, serialized per call_uuid so
// create → answer → hangup always observes program order for a given
// call even under concurrent event ingestion (spec §5).
func (d *Dispatcher) HandleEvent(ctx context.Context, conn *eventsocket.Conn, ev *eventsocket.Event) {
    callUUID := ev.Headers["Unique-ID"]
    if callUUID == "" {
        logger.Warn("event socket: event missing Unique-ID, discarding")
        return
    }

    d.seq.With(callUUID, func() {
        switch ev.Kind {
        case eventsocket.EventChannelCreate:
            d.onCreate(ctx, conn, ev.AsChannelCreate())
        case eventsocket.EventChannelAnswer:
            d.onAnswer(ctx, ev.AsChannelAnswer())
        case eventsocket.EventChannelHangupComplete:
            d.onHangup(ctx, conn, ev.AsHangup())
            d.seq.Forget(callUUID)
        }
    })
}

func (d *Dispatcher) onCreate(ctx context.Context, conn *eventsocket.Conn, create eventsocket.ChannelCreate) {
    d.decisionsMu.Lock()
    prior, seen := d.decisions[create.CallUUID]
    d.decisionsMu.Unlock()
    if seen {
        // Duplicate create for an already-decided call_uuid: reuse the
        // prior decision without authorizing again. A prior denial has
        // its kill command sent again; a prior approval takes no action.
        if !prior.Authorized {
            _ = conn.Kill(ctx, create.CallUUID, string(prior.Reason))
        }
        return
    }

    start := time.Now()
    decision := d.authorizer.Authorize(ctx, authz.Request{
        CallUUID:     create.CallUUID,
        CallerNumber: create.CallerNumber,
        CalledNumber: create.CalledNumber,
        StartTime:    create.StartTime,
    })
    elapsed := time.Since(start)

    d.decisionsMu.Lock()
    d.decisions[create.CallUUID] = decision
    d.decisionsMu.Unlock()

    d.metrics.IncrementCounter("billing_authorize_total", map[string]string{
        "decision": authDecisionLabel(decision), "reason": string(decision.Reason),
    })
    d.metrics.ObserveHistogram("billing_authorize_latency_seconds", elapsed.Seconds(), map[string]string{
        "decision": authDecisionLabel(decision),
    })

    if !decision.Authorized {
        if err := conn.Kill(ctx, create.CallUUID, string(decision.Reason)); err != nil {
            logger.WithContext(ctx).WithField("call_uuid", create.CallUUID).WithError(err).
                Error("failed to issue kill command for denied call")
        }
        return
    }

    session := &models.CallSession{
        CallUUID:           create.CallUUID,
        AccountID:          decision.AccountID,
        CallerNumber:       create.CallerNumber,
        CalledNumber:       create.CalledNumber,
        DestinationPrefix:  decision.DestinationPrefix,
        RatePerMinute:      decision.RatePerMinute,
        StartTime:          create.StartTime,
        MaxDurationSeconds: decision.MaxDurationSeconds,
    }
    if err := d.sessions.PutSession(ctx, session); err != nil {
        logger.WithContext(ctx).WithField("call_uuid", create.CallUUID).WithError(err).
            Error("failed to persist authorized session")
        return
    }
    _ = d.sessions.AddToAccountActiveSet(ctx, session.AccountID, create.CallUUID)

    d.conns.Track(create.CallUUID, conn)
    d.monitor.Register(context.Background(), create.CallUUID)
}

func (d *Dispatcher) onAnswer(ctx context.Context, answer eventsocket.ChannelAnswer) {
    session, err := d.sessions.GetSession(ctx, answer.CallUUID)
    if err != nil {
        return // unknown call_uuid on answer is not an error (spec §4.1)
    }
    t := answer.AnswerTime
    session.AnswerTime = &t
    if err := d.sessions.PutSession(ctx, session); err != nil {
        logger.WithContext(ctx).WithField("call_uuid", answer.CallUUID).WithError(err).
            Warn("failed to persist answer time")
    }
}

func (d *Dispatcher) onHangup(ctx context.Context, conn *eventsocket.Conn, hangup cdr.HangupEvent) {
    d.monitor.Cancel(hangup.CallUUID)
    d.conns.Forget(hangup.CallUUID)

    if _, err := d.generator.Generate(ctx, hangup); err != nil {
        logger.WithContext(ctx).WithField("call_uuid", hangup.CallUUID).WithError(err).
            Error("cdr generation failed")
    }

    d.decisionsMu.Lock()
    delete(d.decisions, hangup.CallUUID)
    d.decisionsMu.Unlock()
}

func authDecisionLabel(d models.AuthDecision) string {
    if d.Authorized {
        return "authorized"
    }
    return "denied"
}
