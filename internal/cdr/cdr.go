// Package cdr implements the deterministic cost computation and
// settlement of spec §4.5: round billsec to the rate's billing
// increment, compute cost with banker's rounding, write an idempotent
// CDR row, and consume the call's reservations. Grounded on the
// teacher's did_manager.go transactional write pattern, generalized
// from DID release accounting to call cost accounting.
package cdr

import (
    "context"
    "time"

    "github.com/shopspring/decimal"

    "github.com/jesus-bazan-entel/apolobilling/internal/metrics"
    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/internal/reservation"
    "github.com/jesus-bazan-entel/apolobilling/internal/store"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

// microsecondThreshold is the boundary spec §4.5 gives for interpreting
// a raw switch timestamp as microseconds (≥) vs seconds (<) since
// epoch.
const microsecondThreshold = int64(1e15)

// Generator is the CDR generator of spec §4.5.
type Generator struct {
    sessions     store.SessionStore
    rates        store.RateStore
    cdrs         store.CDRStore
    reservations *reservation.Manager
    metrics      *metrics.PrometheusMetrics
}

func NewGenerator(sessions store.SessionStore, rates store.RateStore, cdrs store.CDRStore, reservations *reservation.Manager) *Generator {
    return &Generator{sessions: sessions, rates: rates, cdrs: cdrs, reservations: reservations}
}

// SetMetrics wires a metrics sink after construction, same pattern as
// reservation.Manager.SetMetrics; nil is safe and disables emission.
func (g *Generator) SetMetrics(pm *metrics.PrometheusMetrics) {
    g.metrics = pm
}

// HangupEvent is the normalized channel_hangup_complete event, after
// wire decoding (see internal/eventsocket).
type HangupEvent struct {
    CallUUID          string
    CallerNumber      string
    CalledNumber      string
    DestinationPrefix string
    Direction         models.CallDirection
    HangupCause       string
    Duration          int
    Billsec           int
    StartTime         time.Time
    AnswerTime        *time.Time
    EndTime           time.Time
}

// ParseSwitchTimestamp interprets a raw switch timestamp integer per
// the §4.5 threshold: values ≥ 10^15 are microseconds since epoch,
// smaller values are seconds since epoch. Always returns UTC.
func ParseSwitchTimestamp(raw int64) time.Time {
    if raw >= microsecondThreshold {
        return time.UnixMicro(raw).UTC()
    }
    return time.Unix(raw, 0).UTC()
}

// Generate runs the full §4.5 procedure and returns the CDR's durable
// id. It is safe to call more than once for the same call_uuid: the
// second call observes InsertIdempotent's inserted=false and skips
// re-consuming the reservations.
func (g *Generator) Generate(ctx context.Context, ev HangupEvent) (int64, error) {
    session, err := g.sessions.GetSession(ctx, ev.CallUUID)
    if err != nil {
        return g.generateFallback(ctx, ev)
    }

    billsec := resolveBillsec(ev)
    if billsec > ev.Duration && ev.Duration > 0 {
        billsec = ev.Duration // open question #2: clamp billsec to duration
    }

    rate, rateErr := g.rates.FindLPM(ctx, session.DestinationPrefix, ev.StartTime)
    ratePerMinute := session.RatePerMinute
    var billingIncrement int = 60
    var connectionFee decimal.Decimal
    if rateErr == nil && rate != nil {
        ratePerMinute = rate.RatePerMinute
        billingIncrement = rate.BillingIncrementSec
        connectionFee = rate.ConnectionFee
    }

    cost := computeCost(billsec, billingIncrement, ratePerMinute, connectionFee, ev.AnswerTime != nil)

    cdrRow := &models.CallDetailRecord{
        CallUUID:          ev.CallUUID,
        AccountID:         &session.AccountID,
        CallerNumber:      ev.CallerNumber,
        CalledNumber:      ev.CalledNumber,
        DestinationPrefix: session.DestinationPrefix,
        StartTime:         ev.StartTime,
        AnswerTime:        ev.AnswerTime,
        EndTime:           ev.EndTime,
        Duration:          ev.Duration,
        Billsec:           billsec,
        RatePerMinute:     ratePerMinute,
        Cost:              cost,
        HangupCause:       ev.HangupCause,
        Direction:         ev.Direction,
    }

    inserted, err := g.cdrs.InsertIdempotent(ctx, cdrRow)
    if err != nil {
        return 0, err
    }
    if !inserted {
        existing, err := g.cdrs.FindByCallUUID(ctx, ev.CallUUID)
        if err != nil {
            return 0, err
        }
        return existing.ID, nil
    }

    if _, err := g.reservations.Consume(ctx, session.AccountID, ev.CallUUID, cost); err != nil {
        logger.WithContext(ctx).WithField("call_uuid", ev.CallUUID).WithError(err).
            Error("cdr: reservation consume failed after durable cdr write")
        return 0, err
    }

    if g.metrics != nil {
        g.metrics.IncrementCounter("billing_cdr_written_total", map[string]string{"kind": "normal"})
        costFloat, _ := cost.Float64()
        g.metrics.ObserveHistogram("billing_cdr_cost", costFloat, map[string]string{})
    }

    if err := g.sessions.DeleteSession(ctx, ev.CallUUID); err != nil {
        logger.WithContext(ctx).WithField("call_uuid", ev.CallUUID).WithError(err).
            Warn("cdr: failed to delete session after settlement")
    }
    if err := g.sessions.RemoveFromAccountActiveSet(ctx, session.AccountID, ev.CallUUID); err != nil {
        logger.WithContext(ctx).WithField("call_uuid", ev.CallUUID).WithError(err).
            Warn("cdr: failed to remove call from account active set")
    }

    written, err := g.cdrs.FindByCallUUID(ctx, ev.CallUUID)
    if err != nil {
        return 0, err
    }
    return written.ID, nil
}

// generateFallback writes a zero-cost CDR for a hangup whose session
// is missing, guaranteeing every call is logged per §4.1/§4.5.
func (g *Generator) generateFallback(ctx context.Context, ev HangupEvent) (int64, error) {
    cdrRow := &models.CallDetailRecord{
        CallUUID:          ev.CallUUID,
        CallerNumber:      ev.CallerNumber,
        CalledNumber:      ev.CalledNumber,
        DestinationPrefix: ev.DestinationPrefix,
        StartTime:         ev.StartTime,
        AnswerTime:        ev.AnswerTime,
        EndTime:           ev.EndTime,
        Duration:          ev.Duration,
        Billsec:           0,
        RatePerMinute:     decimal.Zero,
        Cost:              decimal.Zero,
        HangupCause:       ev.HangupCause,
        Direction:         ev.Direction,
    }
    inserted, err := g.cdrs.InsertIdempotent(ctx, cdrRow)
    if err != nil {
        return 0, err
    }
    if inserted && g.metrics != nil {
        g.metrics.IncrementCounter("billing_cdr_written_total", map[string]string{"kind": "fallback"})
    }
    existing, err := g.cdrs.FindByCallUUID(ctx, ev.CallUUID)
    if err != nil {
        return 0, err
    }
    return existing.ID, nil
}

func resolveBillsec(ev HangupEvent) int {
    if ev.Billsec > 0 {
        return ev.Billsec
    }
    if ev.AnswerTime != nil {
        diff := int(ev.EndTime.Sub(*ev.AnswerTime).Seconds())
        if diff > 0 {
            return diff
        }
    }
    return 0
}

// computeCost implements §4.5 step 3 exactly: round billsec up to a
// multiple of increment, apply rate + connection fee (only when
// answered, per the resolved open question), round to 4 decimal places
// with banker's rounding.
func computeCost(billsec, increment int, ratePerMinute, connectionFee decimal.Decimal, answered bool) decimal.Decimal {
    if billsec <= 0 {
        return decimal.Zero
    }
    if increment <= 0 {
        increment = 60
    }

    roundedSeconds := ceilToMultiple(billsec, increment)
    minutes := decimal.NewFromInt(int64(roundedSeconds)).Div(decimal.NewFromInt(60))
    cost := minutes.Mul(ratePerMinute)
    if answered {
        cost = cost.Add(connectionFee)
    }
    return cost.RoundBank(4)
}

func ceilToMultiple(value, multiple int) int {
    if value <= 0 {
        return 0
    }
    if value%multiple == 0 {
        return value
    }
    return (value/multiple + 1) * multiple
}
