// Package authz implements the call-admission decision of spec §4.2:
// the single synchronous call that either authorizes a new call with a
// sized balance reservation or denies it with a structured reason,
// under a hard deadline. Grounded on the teacher's
// router.Router.getRouteForProvider decision path, generalized from
// provider/route lookup to account/rate lookup.
package authz

import (
    "context"
    "time"

    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/internal/reservation"
    "github.com/jesus-bazan-entel/apolobilling/internal/store"
    "github.com/jesus-bazan-entel/apolobilling/internal/store/mysql"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

// Authorizer performs authorize() end to end.
type Authorizer struct {
    accounts     store.AccountStore
    rates        store.RateStore
    reservations *reservation.Manager
    cfg          config.BillingConfig
}

func NewAuthorizer(accounts store.AccountStore, rates store.RateStore, reservations *reservation.Manager, cfg config.BillingConfig) *Authorizer {
    return &Authorizer{accounts: accounts, rates: rates, reservations: reservations, cfg: cfg}
}

// Request is the input to Authorize, per §4.2.
type Request struct {
    CallUUID     string
    CallerNumber string
    CalledNumber string
    StartTime    time.Time
}

// Authorize checks the account, its status and the destination rate
// (longest-prefix match), then creates the initial reservation, whose
// locked transaction applies the concurrency limit and the funds check.
// The rate lookup therefore runs before the concurrency check. It denies
// fast on the first failure and always returns within AUTH_DEADLINE_MS. A deadline
// breach or any unexpected infrastructure failure yields
// DenialInternal rather than blocking the switch indefinitely.
func (a *Authorizer) Authorize(ctx context.Context, req Request) models.AuthDecision {
    ctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.AuthDeadlineMS)*time.Millisecond)
    defer cancel()

    decision, err := a.authorize(ctx, req)
    if err != nil {
        reason := classify(err)
        logger.WithContext(ctx).WithField("call_uuid", req.CallUUID).
            WithField("reason", reason).Debug("call denied")
        return models.AuthDecision{Authorized: false, Reason: reason}
    }
    return decision
}

func classify(err error) models.DenialReason {
    if errorsIs(err, context.DeadlineExceeded) {
        return models.DenialInternal
    }
    appErr, ok := err.(*errors.AppError)
    if !ok {
        return models.DenialInternal
    }
    switch appErr.Code {
    case errors.ErrAccountNotFound:
        return models.DenialAccountNotFound
    case errors.ErrAccountSuspended, errors.ErrAccountClosed:
        return models.DenialAccountSuspended
    case errors.ErrConcurrencyLimit:
        return models.DenialConcurrencyLimit
    case errors.ErrNoRateFound:
        return models.DenialNoRateFound
    case errors.ErrInsufficientBalance:
        return models.DenialInsufficientBalance
    default:
        return models.DenialInternal
    }
}

func errorsIs(err, target error) bool {
    for err != nil {
        if err == target {
            return true
        }
        u, ok := err.(interface{ Unwrap() error })
        if !ok {
            return false
        }
        err = u.Unwrap()
    }
    return false
}

func (a *Authorizer) authorize(ctx context.Context, req Request) (models.AuthDecision, error) {
    if ctx.Err() != nil {
        return models.AuthDecision{}, ctx.Err()
    }

    acct, err := a.accounts.FindByNumber(ctx, req.CallerNumber)
    if err != nil {
        return models.AuthDecision{}, err
    }
    if acct.Status != models.AccountStatusActive {
        return models.AuthDecision{}, errors.New(errors.ErrAccountSuspended, "account not active")
    }

    maxConcurrent := acct.MaxConcurrentCalls
    if maxConcurrent <= 0 {
        maxConcurrent = a.cfg.MaxConcurrentCallsDefault
    }

    digits := mysql.NormalizeDestination(req.CalledNumber)
    rate, err := a.rates.FindLPM(ctx, digits, req.StartTime)
    if err != nil {
        return models.AuthDecision{}, err
    }

    amount, maxDurationSeconds := a.reservations.SizeInitial(rate.RatePerMinute)

    r, err := a.reservations.Create(ctx, reservation.CreateInput{
        AccountID:         acct.ID,
        CallUUID:          req.CallUUID,
        DestinationPrefix: rate.DestinationPrefix,
        RatePerMinute:     rate.RatePerMinute,
        Kind:              models.ReservationKindInitial,
        Amount:            amount,
        MaxConcurrent:     maxConcurrent,
    })
    if err != nil {
        return models.AuthDecision{}, err
    }

    return models.AuthDecision{
        Authorized:         true,
        Reason:             models.DenialNone,
        AccountID:          acct.ID,
        ReservationID:      r.ID,
        MaxDurationSeconds: maxDurationSeconds,
        RatePerMinute:      rate.RatePerMinute,
        DestinationPrefix:  rate.DestinationPrefix,
    }, nil
}
