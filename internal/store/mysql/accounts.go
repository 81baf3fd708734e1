package mysql

import (
    "context"
    "database/sql"

    "github.com/shopspring/decimal"

    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/internal/store"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
)

// AccountStore implements store.AccountStore against MySQL, grounded
// on the teacher's router/did_manager.go AllocateDID: lock the row
// with SELECT ... FOR UPDATE inside a transaction, mutate, commit.
type AccountStore struct {
    db *DB
}

func NewAccountStore(db *DB) *AccountStore {
    return &AccountStore{db: db}
}

const accountColumns = `id, account_number, type, status, balance, credit_limit, max_concurrent_calls, metadata, created_at, updated_at`

func scanAccount(row *sql.Row) (*models.Account, error) {
    var a models.Account
    var balance, creditLimit string
    var metadata []byte
    err := row.Scan(&a.ID, &a.AccountNumber, &a.Type, &a.Status, &balance, &creditLimit,
        &a.MaxConcurrentCalls, &metadata, &a.CreatedAt, &a.UpdatedAt)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrAccountNotFound, "account not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan account")
    }
    a.Balance, _ = decimal.NewFromString(balance)
    a.CreditLimit, _ = decimal.NewFromString(creditLimit)
    if len(metadata) > 0 {
        a.Metadata = models.Metadata{}
        _ = a.Metadata.Scan(metadata)
    }
    return &a, nil
}

func (s *AccountStore) FindByNumber(ctx context.Context, accountNumber string) (*models.Account, error) {
    row := s.db.Conn().QueryRowContext(ctx,
        `SELECT `+accountColumns+` FROM accounts WHERE account_number = ?`, accountNumber)
    return scanAccount(row)
}

func (s *AccountStore) FindByID(ctx context.Context, id int64) (*models.Account, error) {
    row := s.db.Conn().QueryRowContext(ctx,
        `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
    return scanAccount(row)
}

// WithAccountLocked locks the account row FOR UPDATE for the duration
// of fn, mirroring did_manager.go's AllocateDID lock-then-mutate shape.
func (s *AccountStore) WithAccountLocked(ctx context.Context, id int64, fn func(tx store.AccountTx, acct *models.Account) error) error {
    return s.db.Transaction(ctx, func(sqlTx *sql.Tx) error {
        row := sqlTx.QueryRowContext(ctx,
            `SELECT `+accountColumns+` FROM accounts WHERE id = ? FOR UPDATE`, id)
        var a models.Account
        var balance, creditLimit string
        var metadata []byte
        err := row.Scan(&a.ID, &a.AccountNumber, &a.Type, &a.Status, &balance, &creditLimit,
            &a.MaxConcurrentCalls, &metadata, &a.CreatedAt, &a.UpdatedAt)
        if err == sql.ErrNoRows {
            return errors.New(errors.ErrAccountNotFound, "account not found")
        }
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to lock account row")
        }
        a.Balance, _ = decimal.NewFromString(balance)
        a.CreditLimit, _ = decimal.NewFromString(creditLimit)

        tx := &accountTx{sqlTx: sqlTx}
        return fn(tx, &a)
    })
}

// accountTx is the transactional scope passed into WithAccountLocked's
// closure; all writes happen against the same *sql.Tx that holds the
// row lock.
type accountTx struct {
    sqlTx *sql.Tx
}

func (t *accountTx) UpdateBalance(ctx context.Context, accountID int64, newBalance decimal.Decimal) error {
    _, err := t.sqlTx.ExecContext(ctx,
        `UPDATE accounts SET balance = ?, updated_at = NOW() WHERE id = ?`,
        newBalance.StringFixed(4), accountID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update balance")
    }
    return nil
}

func (t *accountTx) UpdateStatus(ctx context.Context, accountID int64, status models.AccountStatus) error {
    _, err := t.sqlTx.ExecContext(ctx,
        `UPDATE accounts SET status = ?, updated_at = NOW() WHERE id = ?`, status, accountID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update account status")
    }
    return nil
}

func (t *accountTx) AppendLedgerEntry(ctx context.Context, e *models.BalanceTransaction) error {
    _, err := t.sqlTx.ExecContext(ctx,
        `INSERT INTO balance_transactions
            (account_id, amount, previous_balance, new_balance, kind, reason, call_uuid, reservation_id, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, NOW())`,
        e.AccountID, e.Amount.StringFixed(4), e.PreviousBalance.StringFixed(4), e.NewBalance.StringFixed(4),
        e.Kind, e.Reason, e.CallUUID, e.ReservationID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to append ledger entry")
    }
    return nil
}

func (t *accountTx) InsertReservation(ctx context.Context, r *models.BalanceReservation) error {
    _, err := t.sqlTx.ExecContext(ctx,
        `INSERT INTO reservations
            (id, account_id, call_uuid, reserved_amount, consumed_amount, released_amount,
             kind, status, destination_prefix, rate_per_minute, expires_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, NOW(), NOW())`,
        r.ID, r.AccountID, r.CallUUID, r.ReservedAmount.StringFixed(4),
        r.Kind, r.Status, r.DestinationPrefix, r.RatePerMinute.String(), r.ExpiresAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert reservation")
    }
    return nil
}

const reservationColumns = `id, account_id, call_uuid, reserved_amount, consumed_amount, released_amount,
    kind, status, destination_prefix, rate_per_minute, expires_at, created_at, updated_at`

func scanReservationRows(rows *sql.Rows) ([]*models.BalanceReservation, error) {
    defer rows.Close()
    var out []*models.BalanceReservation
    for rows.Next() {
        var r models.BalanceReservation
        var reserved, consumed, released, rate string
        if err := rows.Scan(&r.ID, &r.AccountID, &r.CallUUID, &reserved, &consumed, &released,
            &r.Kind, &r.Status, &r.DestinationPrefix, &rate, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan reservation")
        }
        r.ReservedAmount, _ = decimal.NewFromString(reserved)
        r.ConsumedAmount, _ = decimal.NewFromString(consumed)
        r.ReleasedAmount, _ = decimal.NewFromString(released)
        r.RatePerMinute, _ = decimal.NewFromString(rate)
        out = append(out, &r)
    }
    return out, nil
}

// ListActiveReservationsForCallLocked selects the call's active
// reservations FOR UPDATE, used by Consume (§4.3.4) to settle against
// a consistent snapshot under the same account-row lock's transaction.
func (t *accountTx) ListActiveReservationsForCallLocked(ctx context.Context, callUUID string) ([]*models.BalanceReservation, error) {
    rows, err := t.sqlTx.QueryContext(ctx,
        `SELECT `+reservationColumns+` FROM reservations
         WHERE call_uuid = ? AND status = ? FOR UPDATE`, callUUID, models.ReservationStatusActive)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list active reservations")
    }
    return scanReservationRows(rows)
}

func (t *accountTx) CountActiveReservations(ctx context.Context, accountID int64) (int, error) {
    var count int
    err := t.sqlTx.QueryRowContext(ctx,
        `SELECT COUNT(*) FROM reservations WHERE account_id = ? AND status = ?`,
        accountID, models.ReservationStatusActive).Scan(&count)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to count active reservations")
    }
    return count, nil
}

func (t *accountTx) SumOutstandingReserved(ctx context.Context, accountID int64) (decimal.Decimal, error) {
    var reserved, consumed sql.NullString
    err := t.sqlTx.QueryRowContext(ctx,
        `SELECT COALESCE(SUM(reserved_amount),0), COALESCE(SUM(consumed_amount),0)
         FROM reservations WHERE account_id = ? AND status = ?`,
        accountID, models.ReservationStatusActive).Scan(&reserved, &consumed)
    if err != nil {
        return decimal.Zero, errors.Wrap(err, errors.ErrDatabase, "failed to sum outstanding reservations")
    }
    r, _ := decimal.NewFromString(reserved.String)
    c, _ := decimal.NewFromString(consumed.String)
    return r.Sub(c), nil
}

func (t *accountTx) UpdateReservation(ctx context.Context, r *models.BalanceReservation) error {
    _, err := t.sqlTx.ExecContext(ctx,
        `UPDATE reservations SET consumed_amount = ?, released_amount = ?, status = ?, updated_at = NOW()
         WHERE id = ?`,
        r.ConsumedAmount.StringFixed(4), r.ReleasedAmount.StringFixed(4), r.Status, r.ID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update reservation")
    }
    return nil
}
