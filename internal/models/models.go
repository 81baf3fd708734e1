package models

import (
    "database/sql/driver"
    "encoding/json"
    "errors"
    "time"

    "github.com/shopspring/decimal"
)

// AccountType distinguishes prepaid accounts (available funds derived
// from balance) from postpaid ones (available funds derived from
// credit_limit).
type AccountType string

const (
    AccountTypePrepaid  AccountType = "prepaid"
    AccountTypePostpaid AccountType = "postpaid"
)

type AccountStatus string

const (
    AccountStatusActive    AccountStatus = "active"
    AccountStatusSuspended AccountStatus = "suspended"
    AccountStatusClosed    AccountStatus = "closed"
)

type ReservationKind string

const (
    ReservationKindInitial   ReservationKind = "initial"
    ReservationKindExtension ReservationKind = "extension"
)

type ReservationStatus string

const (
    ReservationStatusActive            ReservationStatus = "active"
    ReservationStatusPartiallyConsumed ReservationStatus = "partially_consumed"
    ReservationStatusFullyConsumed     ReservationStatus = "fully_consumed"
    ReservationStatusReleased          ReservationStatus = "released"
    ReservationStatusExpired           ReservationStatus = "expired"
)

type TransactionKind string

const (
    TransactionKindReservationCreate  TransactionKind = "reservation_create"
    TransactionKindReservationConsume TransactionKind = "reservation_consume"
    TransactionKindAdjustment         TransactionKind = "adjustment"
)

// DenialReason is a decision value, never an error: authorization
// always returns one of these rather than throwing.
type DenialReason string

const (
    DenialNone                DenialReason = ""
    DenialAccountNotFound     DenialReason = "account_not_found"
    DenialAccountSuspended    DenialReason = "account_suspended"
    DenialConcurrencyLimit    DenialReason = "concurrency_limit"
    DenialNoRateFound         DenialReason = "no_rate_found"
    DenialInsufficientBalance DenialReason = "insufficient_balance"
    DenialInternal            DenialReason = "internal"
)

type CallDirection string

const (
    DirectionInbound  CallDirection = "inbound"
    DirectionOutbound CallDirection = "outbound"
)

// Metadata is a generic JSON column, mirrored from the teacher's JSON
// map type so every store row can carry opaque extra attributes.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
    if m == nil {
        return nil, nil
    }
    return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
    if value == nil {
        *m = nil
        return nil
    }
    bytes, ok := value.([]byte)
    if !ok {
        return errors.New("models: Metadata column is not []byte")
    }
    return json.Unmarshal(bytes, m)
}

// Account is a billable subscriber. Balance is mutated only by the
// reservation manager, under a locked transaction.
type Account struct {
    ID                 int64           `db:"id" json:"id"`
    AccountNumber      string          `db:"account_number" json:"account_number"`
    Type               AccountType     `db:"type" json:"type"`
    Status             AccountStatus   `db:"status" json:"status"`
    Balance            decimal.Decimal `db:"balance" json:"balance"`
    CreditLimit        decimal.Decimal `db:"credit_limit" json:"credit_limit"`
    MaxConcurrentCalls int             `db:"max_concurrent_calls" json:"max_concurrent_calls"`
    Metadata           Metadata        `db:"metadata" json:"metadata,omitempty"`
    CreatedAt          time.Time       `db:"created_at" json:"created_at"`
    UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// AvailableFunds returns the funds the reservation manager may draw
// against, per spec §4.2: prepaid = balance − Σ(reserved−consumed);
// postpaid = credit_limit + (−balance). outstandingReserved is the
// caller-supplied Σ(reserved_amount − consumed_amount) across the
// account's active reservations.
func (a Account) AvailableFunds(outstandingReserved decimal.Decimal) decimal.Decimal {
    if a.Type == AccountTypePostpaid {
        return a.CreditLimit.Add(a.Balance.Neg())
    }
    return a.Balance.Sub(outstandingReserved)
}

// RateCard is a tariff entry keyed by destination prefix.
type RateCard struct {
    ID                 int64           `db:"id" json:"id"`
    DestinationPrefix   string          `db:"destination_prefix" json:"destination_prefix"`
    RatePerMinute       decimal.Decimal `db:"rate_per_minute" json:"rate_per_minute"`
    BillingIncrementSec int             `db:"billing_increment" json:"billing_increment"`
    ConnectionFee       decimal.Decimal `db:"connection_fee" json:"connection_fee"`
    EffectiveStart      time.Time       `db:"effective_start" json:"effective_start"`
    EffectiveEnd        *time.Time      `db:"effective_end" json:"effective_end,omitempty"`
    Priority            int             `db:"priority" json:"priority"`
    CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// BalanceReservation is a temporary hold on an account's funds for one
// call.
type BalanceReservation struct {
    ID                string            `db:"id" json:"id"`
    AccountID         int64             `db:"account_id" json:"account_id"`
    CallUUID          string            `db:"call_uuid" json:"call_uuid"`
    ReservedAmount    decimal.Decimal   `db:"reserved_amount" json:"reserved_amount"`
    ConsumedAmount    decimal.Decimal   `db:"consumed_amount" json:"consumed_amount"`
    ReleasedAmount    decimal.Decimal   `db:"released_amount" json:"released_amount"`
    Kind              ReservationKind   `db:"kind" json:"kind"`
    Status            ReservationStatus `db:"status" json:"status"`
    DestinationPrefix string            `db:"destination_prefix" json:"destination_prefix"`
    RatePerMinute     decimal.Decimal   `db:"rate_per_minute" json:"rate_per_minute"`
    ExpiresAt         time.Time         `db:"expires_at" json:"expires_at"`
    CreatedAt         time.Time         `db:"created_at" json:"created_at"`
    UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// Outstanding returns reserved − consumed, the portion still counted
// against available funds.
func (r BalanceReservation) Outstanding() decimal.Decimal {
    return r.ReservedAmount.Sub(r.ConsumedAmount)
}

// BalanceTransaction is an append-only ledger entry. Immutable after
// write; new_balance = previous_balance + amount always.
type BalanceTransaction struct {
    ID              int64           `db:"id" json:"id"`
    AccountID       int64           `db:"account_id" json:"account_id"`
    Amount          decimal.Decimal `db:"amount" json:"amount"`
    PreviousBalance decimal.Decimal `db:"previous_balance" json:"previous_balance"`
    NewBalance      decimal.Decimal `db:"new_balance" json:"new_balance"`
    Kind            TransactionKind `db:"kind" json:"kind"`
    Reason          string          `db:"reason" json:"reason"`
    CallUUID        *string         `db:"call_uuid" json:"call_uuid,omitempty"`
    ReservationID   *string         `db:"reservation_id" json:"reservation_id,omitempty"`
    CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// CallDetailRecord is the terminal record of a completed call.
type CallDetailRecord struct {
    ID                int64           `db:"id" json:"id"`
    CallUUID          string          `db:"call_uuid" json:"call_uuid"`
    AccountID         *int64          `db:"account_id" json:"account_id,omitempty"`
    CallerNumber      string          `db:"caller_number" json:"caller_number"`
    CalledNumber      string          `db:"called_number" json:"called_number"`
    DestinationPrefix string          `db:"destination_prefix" json:"destination_prefix"`
    StartTime         time.Time       `db:"start_time" json:"start_time"`
    AnswerTime        *time.Time      `db:"answer_time" json:"answer_time,omitempty"`
    EndTime           time.Time       `db:"end_time" json:"end_time"`
    Duration          int             `db:"duration" json:"duration"`
    Billsec           int             `db:"billsec" json:"billsec"`
    RatePerMinute     decimal.Decimal `db:"rate_per_minute" json:"rate_per_minute"`
    Cost              decimal.Decimal `db:"cost" json:"cost"`
    HangupCause       string          `db:"hangup_cause" json:"hangup_cause"`
    Direction         CallDirection   `db:"direction" json:"direction"`
    CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// CallSession is ephemeral hot-state scratch used by the realtime
// monitor and the CDR generator. Owned by the session store, not the
// durable stores.
type CallSession struct {
    CallUUID          string          `json:"call_uuid"`
    AccountID         int64           `json:"account_id"`
    CallerNumber      string          `json:"caller_number"`
    CalledNumber      string          `json:"called_number"`
    DestinationPrefix string          `json:"destination_prefix"`
    RatePerMinute     decimal.Decimal `json:"rate_per_minute"`
    StartTime         time.Time       `json:"start_time"`
    AnswerTime        *time.Time      `json:"answer_time,omitempty"`
    MaxDurationSeconds int            `json:"max_duration_seconds"`
}

// TimeRemaining returns max_duration_seconds − (now − start_time), the
// quantity the realtime monitor compares against EXTEND_THRESHOLD_S.
func (s CallSession) TimeRemaining(now time.Time) time.Duration {
    limit := time.Duration(s.MaxDurationSeconds) * time.Second
    elapsed := now.Sub(s.StartTime)
    return limit - elapsed
}

// AuthDecision is the outcome of authorize(): a decision value, never
// an error.
type AuthDecision struct {
    Authorized        bool
    Reason            DenialReason
    AccountID         int64
    ReservationID     string
    MaxDurationSeconds int
    RatePerMinute     decimal.Decimal
    DestinationPrefix string
}
