// Package store defines the storage seams the billing core depends
// on, generalized from the teacher's CacheInterface/MetricsInterface
// pattern: small interfaces declared beside their consumers, with
// concrete implementations swappable in tests.
package store

import (
    "context"
    "time"

    "github.com/shopspring/decimal"

    "github.com/jesus-bazan-entel/apolobilling/internal/models"
)

// AccountStore is the durable store of record for accounts.
type AccountStore interface {
    FindByNumber(ctx context.Context, accountNumber string) (*models.Account, error)
    FindByID(ctx context.Context, id int64) (*models.Account, error)

    // WithAccountLocked runs fn inside a transaction holding a
    // SELECT ... FOR UPDATE lock on the account row, passing the
    // locked snapshot. fn's return error aborts the transaction.
    WithAccountLocked(ctx context.Context, id int64, fn func(tx AccountTx, acct *models.Account) error) error
}

// AccountTx is the transactional scope passed to WithAccountLocked. It
// composes reservation and ledger writes so a reservation mutation and
// its balance/ledger effects commit atomically.
type AccountTx interface {
    UpdateBalance(ctx context.Context, accountID int64, newBalance decimal.Decimal) error
    UpdateStatus(ctx context.Context, accountID int64, status models.AccountStatus) error
    AppendLedgerEntry(ctx context.Context, entry *models.BalanceTransaction) error

    InsertReservation(ctx context.Context, r *models.BalanceReservation) error
    ListActiveReservationsForCallLocked(ctx context.Context, callUUID string) ([]*models.BalanceReservation, error)
    CountActiveReservations(ctx context.Context, accountID int64) (int, error)
    SumOutstandingReserved(ctx context.Context, accountID int64) (decimal.Decimal, error)
    UpdateReservation(ctx context.Context, r *models.BalanceReservation) error
}

// RateStore resolves the Longest Prefix Match rate lookup of §4.2.
type RateStore interface {
    FindLPM(ctx context.Context, normalizedDigits string, at time.Time) (*models.RateCard, error)
}

// ReservationStore supports the expiry sweep and read-only reservation
// inspection outside the locked account-mutation path.
type ReservationStore interface {
    MarkExpiredBefore(ctx context.Context, now time.Time) (int64, error)
    ListActiveForCall(ctx context.Context, callUUID string) ([]*models.BalanceReservation, error)
}

// CDRStore is the durable, idempotent (on call_uuid) CDR sink.
type CDRStore interface {
    InsertIdempotent(ctx context.Context, cdr *models.CallDetailRecord) (inserted bool, err error)
    FindByCallUUID(ctx context.Context, callUUID string) (*models.CallDetailRecord, error)
}

// SessionStore is the hot, ephemeral call-session store, plus the
// account active-call-count set operations §6 names.
type SessionStore interface {
    PutSession(ctx context.Context, s *models.CallSession) error
    GetSession(ctx context.Context, callUUID string) (*models.CallSession, error)
    DeleteSession(ctx context.Context, callUUID string) error

    AddToAccountActiveSet(ctx context.Context, accountID int64, callUUID string) error
    RemoveFromAccountActiveSet(ctx context.Context, accountID int64, callUUID string) error
    AccountActiveCount(ctx context.Context, accountID int64) (int, error)
}
