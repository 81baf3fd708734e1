package mysql

import (
    "context"
    "database/sql"
    "strings"

    "github.com/shopspring/decimal"

    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
)

// CDRStore is the idempotent-on-call_uuid CDR sink (spec §3, §4.5).
type CDRStore struct {
    db *DB
}

func NewCDRStore(db *DB) *CDRStore {
    return &CDRStore{db: db}
}

// InsertIdempotent inserts the CDR, returning inserted=false (not an
// error) when the row already exists — the call_uuid uniqueness
// constraint is what makes retried generate_cdr calls idempotent.
func (s *CDRStore) InsertIdempotent(ctx context.Context, c *models.CallDetailRecord) (bool, error) {
    _, err := s.db.Conn().ExecContext(ctx,
        `INSERT INTO cdrs
            (call_uuid, account_id, caller_number, called_number, destination_prefix,
             start_time, answer_time, end_time, duration, billsec, rate_per_minute, cost,
             hangup_cause, direction, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW())`,
        c.CallUUID, c.AccountID, c.CallerNumber, c.CalledNumber, c.DestinationPrefix,
        c.StartTime, c.AnswerTime, c.EndTime, c.Duration, c.Billsec,
        c.RatePerMinute.String(), c.Cost.StringFixed(4), c.HangupCause, c.Direction)
    if err != nil {
        if isDuplicateKeyError(err) {
            return false, nil
        }
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to insert cdr")
    }
    return true, nil
}

func (s *CDRStore) FindByCallUUID(ctx context.Context, callUUID string) (*models.CallDetailRecord, error) {
    row := s.db.Conn().QueryRowContext(ctx,
        `SELECT id, call_uuid, account_id, caller_number, called_number, destination_prefix,
                start_time, answer_time, end_time, duration, billsec, rate_per_minute, cost,
                hangup_cause, direction, created_at
         FROM cdrs WHERE call_uuid = ?`, callUUID)

    var c models.CallDetailRecord
    var accountID sql.NullInt64
    var answerTime sql.NullTime
    var rate, cost string
    err := row.Scan(&c.ID, &c.CallUUID, &accountID, &c.CallerNumber, &c.CalledNumber, &c.DestinationPrefix,
        &c.StartTime, &answerTime, &c.EndTime, &c.Duration, &c.Billsec, &rate, &cost,
        &c.HangupCause, &c.Direction, &c.CreatedAt)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrNotFound, "cdr not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan cdr")
    }
    if accountID.Valid {
        c.AccountID = &accountID.Int64
    }
    if answerTime.Valid {
        t := answerTime.Time
        c.AnswerTime = &t
    }
    c.RatePerMinute, _ = decimal.NewFromString(rate)
    c.Cost, _ = decimal.NewFromString(cost)
    return &c, nil
}

func isDuplicateKeyError(err error) bool {
    return strings.Contains(strings.ToLower(err.Error()), "duplicate entry")
}
