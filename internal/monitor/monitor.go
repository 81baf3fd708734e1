// Package monitor implements the realtime per-call extension loop of
// spec §4.4: a supervisor owning one cancellable ticker task per active
// call, extending the balance reservation as the call approaches its
// authorized duration and killing the call when it can no longer
// afford to continue. Grounded on the teacher's goroutine-per-task
// background workers (cleanupRoutine, healthCheckRoutine) generalized
// from a single shared ticker to one task per call_uuid, per the
// redesign note that a single global loop cannot scale call counts
// independently of tick granularity.
package monitor

import (
    "context"
    "sync"
    "time"

    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/internal/metrics"
    "github.com/jesus-bazan-entel/apolobilling/internal/reservation"
    "github.com/jesus-bazan-entel/apolobilling/internal/store"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

// Killer issues the switch-side kill command for a call that can no
// longer be funded. Implemented by the event-socket client.
type Killer interface {
    Kill(ctx context.Context, callUUID string, reason string) error
}

// Supervisor owns exactly one cancellable task per monitored call. Its
// only mutation entry points are Register and Cancel; nothing else may
// touch the task map, per the redesign note in spec §9.
type Supervisor struct {
    sessions     store.SessionStore
    reservations *reservation.Manager
    killer       Killer
    cfg          config.BillingConfig
    metrics      *metrics.PrometheusMetrics

    mu    sync.Mutex
    tasks map[string]context.CancelFunc
}

func NewSupervisor(sessions store.SessionStore, reservations *reservation.Manager, killer Killer, cfg config.BillingConfig) *Supervisor {
    return &Supervisor{
        sessions:     sessions,
        reservations: reservations,
        killer:       killer,
        cfg:          cfg,
        tasks:        make(map[string]context.CancelFunc),
    }
}

// SetMetrics wires a metrics sink after construction, same pattern as
// reservation.Manager.SetMetrics; nil is safe and disables emission.
func (s *Supervisor) SetMetrics(pm *metrics.PrometheusMetrics) {
    s.metrics = pm
}

func (s *Supervisor) reportActiveCount() {
    if s.metrics == nil {
        return
    }
    s.metrics.SetGauge("billing_active_monitor_tasks", float64(len(s.tasks)), nil)
}

// Register starts the per-tick monitor task for a newly authorized
// call. Safe to call once per call_uuid; a second call replaces and
// cancels the prior task.
func (s *Supervisor) Register(parent context.Context, callUUID string) {
    taskCtx, cancel := context.WithCancel(parent)

    s.mu.Lock()
    if prior, ok := s.tasks[callUUID]; ok {
        prior()
    }
    s.tasks[callUUID] = cancel
    s.reportActiveCount()
    s.mu.Unlock()

    go s.run(taskCtx, callUUID)
}

// Cancel stops the monitor task for a call that has ended (hangup
// observed, CDR generated) without waiting for the next tick.
func (s *Supervisor) Cancel(callUUID string) {
    s.mu.Lock()
    cancel, ok := s.tasks[callUUID]
    if ok {
        delete(s.tasks, callUUID)
        s.reportActiveCount()
    }
    s.mu.Unlock()
    if ok {
        cancel()
    }
}

// ActiveCount reports the number of calls currently under monitor
// supervision. SetMetrics additionally exposes this count as the
// billing_active_monitor_tasks gauge, updated on every Register/Cancel.
func (s *Supervisor) ActiveCount() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return len(s.tasks)
}

func (s *Supervisor) run(ctx context.Context, callUUID string) {
    interval := time.Duration(s.cfg.MonitorIntervalS) * time.Second
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if s.tick(ctx, callUUID) {
                s.Cancel(callUUID)
                return
            }
        }
    }
}

// tick runs one §4.4 procedure step and reports whether the task
// should stop (session gone or call killed). A denied or failed
// extension keeps the task running.
func (s *Supervisor) tick(ctx context.Context, callUUID string) bool {
    session, err := s.sessions.GetSession(ctx, callUUID)
    if err != nil {
        logger.WithContext(ctx).WithField("call_uuid", callUUID).Debug("monitor: session gone, stopping")
        return true
    }

    now := time.Now().UTC()
    remaining := session.TimeRemaining(now)
    threshold := time.Duration(s.cfg.ExtendThresholdS) * time.Second

    if remaining > threshold {
        return false
    }

    if remaining <= 0 {
        s.kill(ctx, callUUID, "balance_exceeded")
        return true
    }

    _, additionalSeconds, err := s.reservations.Extend(ctx, reservation.ExtendInput{
        AccountID:         session.AccountID,
        CallUUID:          callUUID,
        DestinationPrefix: session.DestinationPrefix,
        RatePerMinute:     session.RatePerMinute,
        AdditionalMinutes: s.cfg.ExtensionMinutes,
    })
    if err != nil {
        appErr, ok := err.(*errors.AppError)
        if ok && appErr.Code == errors.ErrInsufficientBalance {
            if remaining <= 0 {
                s.kill(ctx, callUUID, "balance_exceeded")
                return true
            }
            logger.WithContext(ctx).WithField("call_uuid", callUUID).
                Warn("monitor: extension denied, call will be killed at next tick if unfunded")
            return false
        }
        logger.WithContext(ctx).WithField("call_uuid", callUUID).WithError(err).
            Warn("monitor: extension attempt failed")
        return false
    }

    session.MaxDurationSeconds += additionalSeconds
    if err := s.sessions.PutSession(ctx, session); err != nil {
        logger.WithContext(ctx).WithField("call_uuid", callUUID).WithError(err).
            Warn("monitor: failed to persist extended session")
    }
    return false
}

func (s *Supervisor) kill(ctx context.Context, callUUID, reason string) {
    logger.WithContext(ctx).WithField("call_uuid", callUUID).WithField("reason", reason).
        Info("monitor: killing call")
    if s.metrics != nil {
        s.metrics.IncrementCounter("switch_kill_commands_total", map[string]string{"reason": reason})
    }
    if err := s.killer.Kill(ctx, callUUID, reason); err != nil {
        logger.WithContext(ctx).WithField("call_uuid", callUUID).WithError(err).
            Error("monitor: kill command failed")
    }
}
