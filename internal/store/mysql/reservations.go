package mysql

import (
    "context"
    "time"

    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
)

// ReservationStore supports the read-only and housekeeping operations
// on reservations that fall outside the locked account-mutation path:
// the periodic expiry sweep (§4.3.5) and ad-hoc inspection.
type ReservationStore struct {
    db *DB
}

func NewReservationStore(db *DB) *ReservationStore {
    return &ReservationStore{db: db}
}

// MarkExpiredBefore flips every active reservation whose expires_at
// has passed to expired. The consume path's FOR UPDATE always wins a
// race against this sweep, per spec §4.3.5.
func (s *ReservationStore) MarkExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
    result, err := s.db.Conn().ExecContext(ctx,
        `UPDATE reservations SET status = ?, updated_at = NOW()
         WHERE status = ? AND expires_at < ?`,
        models.ReservationStatusExpired, models.ReservationStatusActive, now)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to sweep expired reservations")
    }
    return result.RowsAffected()
}

func (s *ReservationStore) ListActiveForCall(ctx context.Context, callUUID string) ([]*models.BalanceReservation, error) {
    rows, err := s.db.Conn().QueryContext(ctx,
        `SELECT `+reservationColumns+` FROM reservations WHERE call_uuid = ? AND status = ?`,
        callUUID, models.ReservationStatusActive)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list active reservations for call")
    }
    return scanReservationRows(rows)
}
