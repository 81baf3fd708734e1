// Package reservation implements the consistency core of the billing
// system: atomic creation, extension, and consumption of balance
// holds, grounded on the teacher's internal/router/did_manager.go
// (lock the contended row, mutate under FOR UPDATE, commit, invalidate
// any derived cache) and internal/db.DB.Transaction's retry wrapper.
package reservation

import (
    "context"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "github.com/shopspring/decimal"

    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/internal/metrics"
    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/internal/store"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

var hundred = decimal.NewFromInt(100)

// Manager is the reservation manager of spec §4.3.
type Manager struct {
    accounts store.AccountStore
    cfg      config.BillingConfig
    metrics  *metrics.PrometheusMetrics

    // activeReservations approximates billing_active_reservations: it
    // is incremented on every successful Create and decremented by the
    // number of reservations a Consume call settles. It does not
    // account for reservations the expiry sweep marks expired directly
    // against the store, so it is a process-local approximation, not
    // an exact count.
    activeReservations int64
}

func NewManager(accounts store.AccountStore, cfg config.BillingConfig) *Manager {
    return &Manager{accounts: accounts, cfg: cfg}
}

// SetMetrics wires a metrics sink after construction so tests and
// other callers that don't care about metrics can keep using
// NewManager's existing signature; nil is safe and disables emission.
func (m *Manager) SetMetrics(pm *metrics.PrometheusMetrics) {
    m.metrics = pm
}

// SizeInitial computes the initial reservation per §4.3.1: base = rate
// × 5 minutes, buffer = base × BUFFER_PERCENT, clamped to
// [MIN_RESERVATION, MAX_RESERVATION]. A zero rate (free destination)
// reserves MIN_RESERVATION with an unbounded-in-practice duration cap.
func (m *Manager) SizeInitial(ratePerMinute decimal.Decimal) (amount decimal.Decimal, maxDurationSeconds int) {
    min := decimal.NewFromFloat(m.cfg.MinReservation)
    max := decimal.NewFromFloat(m.cfg.MaxReservation)

    if ratePerMinute.IsZero() {
        return min, m.cfg.UnboundedCapSeconds
    }

    base := ratePerMinute.Mul(decimal.NewFromInt(5))
    buffer := base.Mul(decimal.NewFromFloat(m.cfg.BufferPercent)).Div(hundred)
    total := base.Add(buffer)
    total = clamp(total, min, max)

    durationSeconds := total.Div(ratePerMinute).Mul(decimal.NewFromInt(60)).IntPart()
    return total, int(durationSeconds)
}

// ExtensionAmount computes extension amount = rate × minutes × (1 +
// BUFFER_PERCENT/100), per §4.3.3.
func (m *Manager) ExtensionAmount(ratePerMinute decimal.Decimal, minutes int) decimal.Decimal {
    bufferMultiplier := decimal.NewFromInt(1).Add(decimal.NewFromFloat(m.cfg.BufferPercent).Div(hundred))
    return ratePerMinute.Mul(decimal.NewFromInt(minutes)).Mul(bufferMultiplier)
}

func clamp(v, min, max decimal.Decimal) decimal.Decimal {
    if v.LessThan(min) {
        return min
    }
    if v.GreaterThan(max) {
        return max
    }
    return v
}

// CreateInput is the input to Create, per §4.3.2. MaxConcurrent, when
// positive, bounds the account's concurrent active reservations; zero
// means no limit is enforced by this call.
type CreateInput struct {
    AccountID         int64
    CallUUID          string
    DestinationPrefix string
    RatePerMinute     decimal.Decimal
    Kind              models.ReservationKind
    Amount            decimal.Decimal
    MaxConcurrent     int
}

// Create is one transaction: lock the account row, enforce the
// concurrency limit and compute available funds per account type
// under that same lock, fail with concurrency_limit/insufficient_balance
// or insert the reservation and a zero-amount reservation_create ledger
// entry. The concurrency check and the insert must share one locked
// transaction (§5's admission-control guarantee) — checking the count
// in a separate transaction from the insert would let two concurrent
// Create calls both read a count under the limit and both insert.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*models.BalanceReservation, error) {
    var created *models.BalanceReservation

    kindLabel := "initial"
    if in.Kind == models.ReservationKindExtension {
        kindLabel = "extension"
    }
    outcome := "success"

    err := m.accounts.WithAccountLocked(ctx, in.AccountID, func(tx store.AccountTx, acct *models.Account) error {
        if acct.Status != models.AccountStatusActive {
            outcome = "account_suspended"
            return errors.New(errors.ErrAccountSuspended, "account is not active")
        }

        if in.MaxConcurrent > 0 {
            active, err := tx.CountActiveReservations(ctx, acct.ID)
            if err != nil {
                return err
            }
            if active >= in.MaxConcurrent {
                outcome = "concurrency_limit"
                return errors.New(errors.ErrConcurrencyLimit, "max concurrent calls reached")
            }
        }

        outstanding, err := tx.SumOutstandingReserved(ctx, acct.ID)
        if err != nil {
            return err
        }
        available := acct.AvailableFunds(outstanding)
        if available.LessThan(in.Amount) {
            outcome = "insufficient_balance"
            return errors.New(errors.ErrInsufficientBalance, "insufficient available funds")
        }

        r := &models.BalanceReservation{
            ID:                uuid.NewString(),
            AccountID:         in.AccountID,
            CallUUID:          in.CallUUID,
            ReservedAmount:    in.Amount,
            Kind:              in.Kind,
            Status:            models.ReservationStatusActive,
            DestinationPrefix: in.DestinationPrefix,
            RatePerMinute:     in.RatePerMinute,
            ExpiresAt:         time.Now().UTC().Add(time.Duration(m.cfg.ReservationTTLS) * time.Second),
        }
        if err := tx.InsertReservation(ctx, r); err != nil {
            return err
        }

        ledgerReason := "reservation_create:initial"
        if in.Kind == models.ReservationKindExtension {
            ledgerReason = "reservation_create:extension"
        }
        if err := tx.AppendLedgerEntry(ctx, &models.BalanceTransaction{
            AccountID:       acct.ID,
            Amount:          decimal.Zero,
            PreviousBalance: acct.Balance,
            NewBalance:      acct.Balance,
            Kind:            models.TransactionKindReservationCreate,
            Reason:          ledgerReason,
            CallUUID:        &in.CallUUID,
            ReservationID:   &r.ID,
        }); err != nil {
            return err
        }

        created = r
        return nil
    })

    if err != nil && outcome == "success" {
        outcome = "error"
    }
    if m.metrics != nil {
        m.metrics.IncrementCounter("billing_reservation_create_total", map[string]string{"kind": kindLabel, "outcome": outcome})
        if outcome == "success" {
            active := atomic.AddInt64(&m.activeReservations, 1)
            m.metrics.SetGauge("billing_active_reservations", float64(active), nil)
        }
    }
    if err != nil {
        return nil, err
    }
    return created, nil
}

// ExtendInput is the input to Extend, per §4.3.3.
type ExtendInput struct {
    AccountID         int64
    CallUUID          string
    DestinationPrefix string
    RatePerMinute     decimal.Decimal
    AdditionalMinutes int
}

// Extend creates an extension reservation. On insufficient funds it
// returns a structured failure (ErrInsufficientBalance) the caller
// must treat as "do not extend" rather than tearing the call down
// immediately (§4.3.3 step 3 / §9).
func (m *Manager) Extend(ctx context.Context, in ExtendInput) (*models.BalanceReservation, int, error) {
    minutes := in.AdditionalMinutes
    if minutes <= 0 {
        minutes = m.cfg.ExtensionMinutes
    }
    amount := m.ExtensionAmount(in.RatePerMinute, minutes)

    r, err := m.Create(ctx, CreateInput{
        AccountID:         in.AccountID,
        CallUUID:          in.CallUUID,
        DestinationPrefix: in.DestinationPrefix,
        RatePerMinute:     in.RatePerMinute,
        Kind:              models.ReservationKindExtension,
        Amount:            amount,
    })
    if err != nil {
        return nil, 0, err
    }

    additionalSeconds := 0
    if !in.RatePerMinute.IsZero() {
        additionalSeconds = int(amount.Div(in.RatePerMinute).Mul(decimal.NewFromInt(60)).IntPart())
    }
    return r, additionalSeconds, nil
}

// ConsumeResult reports the outcome of Consume, including whether the
// deficit tripped an automatic suspension (§4.3.4 step 4).
type ConsumeResult struct {
    Suspended bool
    Deficit   decimal.Decimal
}

// Consume settles the reservations for a completed call against its
// actual cost, per §4.3.4: distributes cost across active reservations
// (normal case) or debits the full deficit and auto-suspends past
// DEFICIT_SUSPEND_THRESHOLD (deficit case).
func (m *Manager) Consume(ctx context.Context, accountID int64, callUUID string, actualCost decimal.Decimal) (*ConsumeResult, error) {
    result := &ConsumeResult{}
    settledCount := 0

    err := m.accounts.WithAccountLocked(ctx, accountID, func(tx store.AccountTx, acct *models.Account) error {
        reservations, err := tx.ListActiveReservationsForCallLocked(ctx, callUUID)
        if err != nil {
            return err
        }
        settledCount = len(reservations)

        totalReserved := decimal.Zero
        for _, r := range reservations {
            totalReserved = totalReserved.Add(r.ReservedAmount)
        }

        if actualCost.LessThanOrEqual(totalReserved) {
            remaining := actualCost
            for _, r := range reservations {
                consume := decimal.Min(remaining, r.ReservedAmount)
                r.ConsumedAmount = consume
                r.ReleasedAmount = r.ReservedAmount.Sub(consume)
                remaining = remaining.Sub(consume)
                if r.ConsumedAmount.Equal(r.ReservedAmount) {
                    r.Status = models.ReservationStatusFullyConsumed
                } else if r.ConsumedAmount.IsPositive() {
                    r.Status = models.ReservationStatusPartiallyConsumed
                } else {
                    r.Status = models.ReservationStatusReleased
                }
                if err := tx.UpdateReservation(ctx, r); err != nil {
                    return err
                }
            }

            newBalance := acct.Balance.Sub(actualCost)
            if err := tx.UpdateBalance(ctx, acct.ID, newBalance); err != nil {
                return err
            }
            if err := tx.AppendLedgerEntry(ctx, &models.BalanceTransaction{
                AccountID:       acct.ID,
                Amount:          actualCost.Neg(),
                PreviousBalance: acct.Balance,
                NewBalance:      newBalance,
                Kind:            models.TransactionKindReservationConsume,
                Reason:          "call_settlement",
                CallUUID:        &callUUID,
            }); err != nil {
                return err
            }
            return nil
        }

        // Deficit case: actual_cost > Σ reserved.
        for _, r := range reservations {
            r.ConsumedAmount = r.ReservedAmount
            r.ReleasedAmount = decimal.Zero
            r.Status = models.ReservationStatusFullyConsumed
            if err := tx.UpdateReservation(ctx, r); err != nil {
                return err
            }
        }

        deficit := actualCost.Sub(totalReserved)
        newBalance := acct.Balance.Sub(actualCost)
        if err := tx.UpdateBalance(ctx, acct.ID, newBalance); err != nil {
            return err
        }
        if err := tx.AppendLedgerEntry(ctx, &models.BalanceTransaction{
            AccountID:       acct.ID,
            Amount:          totalReserved.Neg(),
            PreviousBalance: acct.Balance,
            NewBalance:      acct.Balance.Sub(totalReserved),
            Kind:            models.TransactionKindReservationConsume,
            Reason:          "call_settlement_reserved_portion",
            CallUUID:        &callUUID,
        }); err != nil {
            return err
        }
        if err := tx.AppendLedgerEntry(ctx, &models.BalanceTransaction{
            AccountID:       acct.ID,
            Amount:          deficit.Neg(),
            PreviousBalance: acct.Balance.Sub(totalReserved),
            NewBalance:      newBalance,
            Kind:            models.TransactionKindAdjustment,
            Reason:          "call_settlement_deficit",
            CallUUID:        &callUUID,
        }); err != nil {
            return err
        }

        result.Deficit = deficit
        if deficit.GreaterThan(decimal.NewFromFloat(m.cfg.DeficitSuspendThreshold)) {
            if err := tx.UpdateStatus(ctx, acct.ID, models.AccountStatusSuspended); err != nil {
                return err
            }
            result.Suspended = true
        }
        return nil
    })
    if err != nil {
        return nil, err
    }

    if m.metrics != nil {
        outcome := "normal"
        if result.Deficit.IsPositive() {
            outcome = "deficit"
        }
        m.metrics.IncrementCounter("billing_reservation_consume_total", map[string]string{"outcome": outcome})
        if result.Suspended {
            m.metrics.IncrementCounter("billing_account_suspended_total", map[string]string{})
        }
        if settledCount > 0 {
            active := atomic.AddInt64(&m.activeReservations, -int64(settledCount))
            m.metrics.SetGauge("billing_active_reservations", float64(active), nil)
        }
    }
    return result, nil
}

// Sweeper runs the periodic expiry sweep of §4.3.5 as a standalone
// background worker, grounded on the teacher's router.cleanupRoutine
// ticker pattern.
type Sweeper struct {
    reservations store.ReservationStore
    interval     time.Duration
    stop         chan struct{}
}

func NewSweeper(reservations store.ReservationStore, interval time.Duration) *Sweeper {
    return &Sweeper{reservations: reservations, interval: interval, stop: make(chan struct{})}
}

func (s *Sweeper) Run(ctx context.Context) {
    ticker := time.NewTicker(s.interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-s.stop:
            return
        case <-ticker.C:
            n, err := s.reservations.MarkExpiredBefore(ctx, time.Now().UTC())
            if err != nil {
                logger.WithContext(ctx).WithError(err).Warn("expiry sweep failed")
                continue
            }
            if n > 0 {
                logger.WithContext(ctx).WithField("expired", n).Debug("expiry sweep completed")
            }
        }
    }
}

func (s *Sweeper) Stop() {
    close(s.stop)
}
