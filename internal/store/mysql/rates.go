package mysql

import (
    "context"
    "database/sql"
    "strings"
    "time"

    "github.com/shopspring/decimal"

    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
)

// RateStore resolves the Longest Prefix Match described in spec §4.2,
// grounded on the teacher's getRouteForProvider: one SQL round-trip
// against an enumerated candidate set, with server-side ORDER BY
// encoding the selection rule (longest prefix, then priority, then
// most recent effective_start).
type RateStore struct {
    db *DB
}

func NewRateStore(db *DB) *RateStore {
    return &RateStore{db: db}
}

// FindLPM enumerates every non-empty prefix of normalizedDigits and
// asks MySQL to pick the longest matching, validity-window-including
// row, breaking ties by priority then recency.
func (s *RateStore) FindLPM(ctx context.Context, normalizedDigits string, at time.Time) (*models.RateCard, error) {
    if normalizedDigits == "" {
        return nil, errors.New(errors.ErrNoRateFound, "empty destination number")
    }

    prefixes := enumeratePrefixes(normalizedDigits)
    placeholders := make([]string, len(prefixes))
    args := make([]interface{}, 0, len(prefixes)+2)
    for i, p := range prefixes {
        placeholders[i] = "?"
        args = append(args, p)
    }
    args = append(args, at, at)

    query := `SELECT id, destination_prefix, rate_per_minute, billing_increment, connection_fee,
                     effective_start, effective_end, priority, created_at
              FROM rate_cards
              WHERE destination_prefix IN (` + strings.Join(placeholders, ",") + `)
                AND effective_start <= ?
                AND (effective_end IS NULL OR effective_end >= ?)
              ORDER BY CHAR_LENGTH(destination_prefix) DESC, priority DESC, effective_start DESC
              LIMIT 1`

    row := s.db.Conn().QueryRowContext(ctx, query, args...)

    var rc models.RateCard
    var rate string
    var fee string
    var effectiveEnd sql.NullTime
    err := row.Scan(&rc.ID, &rc.DestinationPrefix, &rate, &rc.BillingIncrementSec, &fee,
        &rc.EffectiveStart, &effectiveEnd, &rc.Priority, &rc.CreatedAt)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrNoRateFound, "no rate matches destination")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to look up rate")
    }

    rc.RatePerMinute, _ = decimal.NewFromString(rate)
    rc.ConnectionFee, _ = decimal.NewFromString(fee)
    if effectiveEnd.Valid {
        t := effectiveEnd.Time
        rc.EffectiveEnd = &t
    }
    return &rc, nil
}

// enumeratePrefixes returns every non-empty prefix of digits, longest
// first — purely to bound the candidate set; selection itself is left
// to the SQL ORDER BY per spec §4.2.
func enumeratePrefixes(digits string) []string {
    prefixes := make([]string, 0, len(digits))
    for length := len(digits); length >= 1; length-- {
        prefixes = append(prefixes, digits[:length])
    }
    return prefixes
}

// NormalizeDestination strips every non-digit character, per spec
// §4.2's normalization step.
func NormalizeDestination(raw string) string {
    var b strings.Builder
    for _, r := range raw {
        if r >= '0' && r <= '9' {
            b.WriteRune(r)
        }
    }
    return b.String()
}
