package authz

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/shopspring/decimal"

    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/internal/reservation"
    "github.com/jesus-bazan-entel/apolobilling/internal/store"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

// Authorize logs denials through pkg/logger, which panics until it is
// initialized.
func init() {
    _ = logger.Init(logger.Config{Level: "error"})
}

// fakeAccountStore serializes WithAccountLocked on a single mutex,
// mimicking a real FOR UPDATE row lock closely enough to let tests
// prove two concurrent callers cannot both pass a check-then-mutate
// race inside one locked call.
type fakeAccountStore struct {
    mu           sync.Mutex
    accounts     map[int64]*models.Account
    reservations map[string]*models.BalanceReservation
}

func newFakeAccountStore() *fakeAccountStore {
    return &fakeAccountStore{accounts: make(map[int64]*models.Account), reservations: make(map[string]*models.BalanceReservation)}
}

func (f *fakeAccountStore) FindByNumber(ctx context.Context, accountNumber string) (*models.Account, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    for _, a := range f.accounts {
        if a.AccountNumber == accountNumber {
            cp := *a
            return &cp, nil
        }
    }
    return nil, errors.New(errors.ErrAccountNotFound, "account not found")
}

func (f *fakeAccountStore) FindByID(ctx context.Context, id int64) (*models.Account, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    a, ok := f.accounts[id]
    if !ok {
        return nil, errors.New(errors.ErrAccountNotFound, "account not found")
    }
    cp := *a
    return &cp, nil
}

func (f *fakeAccountStore) WithAccountLocked(ctx context.Context, id int64, fn func(tx store.AccountTx, acct *models.Account) error) error {
    f.mu.Lock()
    defer f.mu.Unlock()

    acct, ok := f.accounts[id]
    if !ok {
        return errors.New(errors.ErrAccountNotFound, "account not found")
    }
    snapshot := *acct
    tx := &fakeAccountTx{store: f}
    return fn(tx, &snapshot)
}

type fakeAccountTx struct {
    store *fakeAccountStore
}

func (t *fakeAccountTx) UpdateBalance(ctx context.Context, accountID int64, newBalance decimal.Decimal) error {
    t.store.accounts[accountID].Balance = newBalance
    return nil
}

func (t *fakeAccountTx) UpdateStatus(ctx context.Context, accountID int64, status models.AccountStatus) error {
    t.store.accounts[accountID].Status = status
    return nil
}

func (t *fakeAccountTx) AppendLedgerEntry(ctx context.Context, entry *models.BalanceTransaction) error {
    return nil
}

func (t *fakeAccountTx) InsertReservation(ctx context.Context, r *models.BalanceReservation) error {
    cp := *r
    t.store.reservations[r.ID] = &cp
    return nil
}

func (t *fakeAccountTx) ListActiveReservationsForCallLocked(ctx context.Context, callUUID string) ([]*models.BalanceReservation, error) {
    var out []*models.BalanceReservation
    for _, r := range t.store.reservations {
        if r.CallUUID == callUUID && r.Status == models.ReservationStatusActive {
            cp := *r
            out = append(out, &cp)
        }
    }
    return out, nil
}

func (t *fakeAccountTx) CountActiveReservations(ctx context.Context, accountID int64) (int, error) {
    count := 0
    for _, r := range t.store.reservations {
        if r.AccountID == accountID && r.Status == models.ReservationStatusActive {
            count++
        }
    }
    return count, nil
}

func (t *fakeAccountTx) SumOutstandingReserved(ctx context.Context, accountID int64) (decimal.Decimal, error) {
    total := decimal.Zero
    for _, r := range t.store.reservations {
        if r.AccountID == accountID && r.Status == models.ReservationStatusActive {
            total = total.Add(r.Outstanding())
        }
    }
    return total, nil
}

func (t *fakeAccountTx) UpdateReservation(ctx context.Context, r *models.BalanceReservation) error {
    cp := *r
    t.store.reservations[r.ID] = &cp
    return nil
}

type fakeRateStore struct {
    rate *models.RateCard
    err  error
}

func (f *fakeRateStore) FindLPM(ctx context.Context, normalizedDigits string, at time.Time) (*models.RateCard, error) {
    if f.err != nil {
        return nil, f.err
    }
    return f.rate, nil
}

func testConfig() config.BillingConfig {
    return config.BillingConfig{
        MinReservation:            0.30,
        MaxReservation:            30.00,
        BufferPercent:             8.0,
        MonitorIntervalS:          180,
        ExtendThresholdS:          240,
        ExtensionMinutes:          3,
        ReservationTTLS:           2700,
        AuthDeadlineMS:            50,
        DeficitSuspendThreshold:   10.00,
        MaxConcurrentCallsDefault: 5,
        UnboundedCapSeconds:       3600,
    }
}

func TestAuthorizeSuccess(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(10.00), MaxConcurrentCalls: 5}
    rates := &fakeRateStore{rate: &models.RateCard{DestinationPrefix: "1", RatePerMinute: decimal.NewFromFloat(0.018)}}

    mgr := reservation.NewManager(accounts, testConfig())
    authorizer := NewAuthorizer(accounts, rates, mgr, testConfig())

    decision := authorizer.Authorize(context.Background(), Request{
        CallUUID: "call-1", CallerNumber: "1001", CalledNumber: "15551234567", StartTime: time.Now(),
    })
    if !decision.Authorized {
        t.Fatalf("Authorize() denied with reason %s, want authorized", decision.Reason)
    }
    if decision.AccountID != 1 {
        t.Fatalf("Authorize() AccountID = %d, want 1", decision.AccountID)
    }
    if decision.ReservationID == "" {
        t.Fatal("Authorize() ReservationID is empty")
    }
}

func TestAuthorizeAccountNotFound(t *testing.T) {
    accounts := newFakeAccountStore()
    rates := &fakeRateStore{}
    mgr := reservation.NewManager(accounts, testConfig())
    authorizer := NewAuthorizer(accounts, rates, mgr, testConfig())

    decision := authorizer.Authorize(context.Background(), Request{
        CallUUID: "call-1", CallerNumber: "unknown", CalledNumber: "15551234567", StartTime: time.Now(),
    })
    if decision.Authorized {
        t.Fatal("Authorize() expected denial for unknown account")
    }
    if decision.Reason != models.DenialAccountNotFound {
        t.Fatalf("Authorize() reason = %s, want account_not_found", decision.Reason)
    }
}

func TestAuthorizeAccountSuspended(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Status: models.AccountStatusSuspended}
    rates := &fakeRateStore{}
    mgr := reservation.NewManager(accounts, testConfig())
    authorizer := NewAuthorizer(accounts, rates, mgr, testConfig())

    decision := authorizer.Authorize(context.Background(), Request{CallUUID: "c1", CallerNumber: "1001", CalledNumber: "155512345", StartTime: time.Now()})
    if decision.Reason != models.DenialAccountSuspended {
        t.Fatalf("Authorize() reason = %s, want account_suspended", decision.Reason)
    }
}

func TestAuthorizeConcurrencyLimit(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(100), MaxConcurrentCalls: 1}
    accounts.reservations["existing"] = &models.BalanceReservation{
        ID: "existing", AccountID: 1, CallUUID: "other-call", Status: models.ReservationStatusActive,
        ReservedAmount: decimal.NewFromFloat(1),
    }
    rates := &fakeRateStore{rate: &models.RateCard{DestinationPrefix: "1", RatePerMinute: decimal.NewFromFloat(0.05)}}
    mgr := reservation.NewManager(accounts, testConfig())
    authorizer := NewAuthorizer(accounts, rates, mgr, testConfig())

    decision := authorizer.Authorize(context.Background(), Request{CallUUID: "c2", CallerNumber: "1001", CalledNumber: "155512345", StartTime: time.Now()})
    if decision.Reason != models.DenialConcurrencyLimit {
        t.Fatalf("Authorize() reason = %s, want concurrency_limit", decision.Reason)
    }
}

func TestAuthorizeNoRateFound(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(100), MaxConcurrentCalls: 5}
    rates := &fakeRateStore{err: errors.New(errors.ErrNoRateFound, "no rate matches destination")}
    mgr := reservation.NewManager(accounts, testConfig())
    authorizer := NewAuthorizer(accounts, rates, mgr, testConfig())

    decision := authorizer.Authorize(context.Background(), Request{CallUUID: "c3", CallerNumber: "1001", CalledNumber: "999", StartTime: time.Now()})
    if decision.Reason != models.DenialNoRateFound {
        t.Fatalf("Authorize() reason = %s, want no_rate_found", decision.Reason)
    }
}

func TestAuthorizeInsufficientBalance(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(0.05), MaxConcurrentCalls: 5}
    rates := &fakeRateStore{rate: &models.RateCard{DestinationPrefix: "1", RatePerMinute: decimal.NewFromFloat(0.10)}}
    mgr := reservation.NewManager(accounts, testConfig())
    authorizer := NewAuthorizer(accounts, rates, mgr, testConfig())

    decision := authorizer.Authorize(context.Background(), Request{CallUUID: "c4", CallerNumber: "1001", CalledNumber: "155512345", StartTime: time.Now()})
    if decision.Reason != models.DenialInsufficientBalance {
        t.Fatalf("Authorize() reason = %s, want insufficient_balance", decision.Reason)
    }
}

// TestAuthorizeConcurrencyLimitRace proves the count-check and the
// reservation insert are atomic: N concurrent Authorize calls against
// an account with MaxConcurrentCalls=1 and no pre-existing reservation
// must admit exactly one caller, not N (the race the separate-
// transaction version of this check allowed).
func TestAuthorizeConcurrencyLimitRace(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(100), MaxConcurrentCalls: 1}
    rates := &fakeRateStore{rate: &models.RateCard{DestinationPrefix: "1", RatePerMinute: decimal.NewFromFloat(0.05)}}
    mgr := reservation.NewManager(accounts, testConfig())
    authorizer := NewAuthorizer(accounts, rates, mgr, testConfig())

    const attempts = 10
    var wg sync.WaitGroup
    results := make([]models.AuthDecision, attempts)
    for i := 0; i < attempts; i++ {
        i := i
        wg.Add(1)
        go func() {
            defer wg.Done()
            results[i] = authorizer.Authorize(context.Background(), Request{
                CallUUID: "race-call", CallerNumber: "1001", CalledNumber: "155512345", StartTime: time.Now(),
            })
        }()
    }
    wg.Wait()

    admitted := 0
    for _, d := range results {
        if d.Authorized {
            admitted++
        }
    }
    if admitted != 1 {
        t.Fatalf("Authorize() admitted %d concurrent callers, want exactly 1", admitted)
    }
}

func TestClassifyDeadlineExceeded(t *testing.T) {
    if got := classify(context.DeadlineExceeded); got != models.DenialInternal {
        t.Fatalf("classify(DeadlineExceeded) = %s, want internal", got)
    }
}
