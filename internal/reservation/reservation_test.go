package reservation

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/shopspring/decimal"

    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/internal/store"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
)

// fakeAccountStore is an in-memory store.AccountStore, sufficient to
// drive Create/Consume through a real WithAccountLocked transaction
// shape without a database. WithAccountLocked serializes on mu, the
// same way a real FOR UPDATE row lock would, so tests can exercise
// genuine concurrent callers rather than just sequential calls.
type fakeAccountStore struct {
    mu           sync.Mutex
    accounts     map[int64]*models.Account
    reservations map[string]*models.BalanceReservation
    ledger       []*models.BalanceTransaction
}

func newFakeAccountStore() *fakeAccountStore {
    return &fakeAccountStore{
        accounts:     make(map[int64]*models.Account),
        reservations: make(map[string]*models.BalanceReservation),
    }
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
    tx := &fakeAccountTx{store: f, accountID: id}
    if err := fn(tx, &snapshot); err != nil {
        return err
    }
    return nil
}

type fakeAccountTx struct {
    store     *fakeAccountStore
    accountID int64
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
    t.store.ledger = append(t.store.ledger, entry)
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

func TestSizeInitialScenarioA(t *testing.T) {
    mgr := NewManager(nil, testConfig())
    amount, maxDuration := mgr.SizeInitial(decimal.NewFromFloat(0.0180))

    // base = 0.018*5 = 0.09, buffer = 8% of 0.09 = 0.0072, total = 0.0972,
    // clamped up to MinReservation = 0.30.
    want := decimal.NewFromFloat(0.30)
    if !amount.Equal(want) {
        t.Fatalf("SizeInitial() amount = %s, want %s", amount, want)
    }
    if maxDuration <= 0 {
        t.Fatalf("SizeInitial() maxDuration = %d, want > 0", maxDuration)
    }
}

func TestSizeInitialZeroRate(t *testing.T) {
    mgr := NewManager(nil, testConfig())
    amount, maxDuration := mgr.SizeInitial(decimal.Zero)

    if !amount.Equal(decimal.NewFromFloat(0.30)) {
        t.Fatalf("SizeInitial() zero-rate amount = %s, want min reservation", amount)
    }
    if maxDuration != 3600 {
        t.Fatalf("SizeInitial() zero-rate maxDuration = %d, want 3600", maxDuration)
    }
}

func TestSizeInitialClampsToMax(t *testing.T) {
    mgr := NewManager(nil, testConfig())
    amount, _ := mgr.SizeInitial(decimal.NewFromFloat(10.00))

    // base = 50, buffer = 4, total = 54, clamped down to MaxReservation = 30.
    if !amount.Equal(decimal.NewFromFloat(30.00)) {
        t.Fatalf("SizeInitial() amount = %s, want 30.00 (clamped to max)", amount)
    }
}

func TestExtensionAmount(t *testing.T) {
    mgr := NewManager(nil, testConfig())
    got := mgr.ExtensionAmount(decimal.NewFromFloat(0.05), 3)

    // 0.05 * 3 * 1.08 = 0.162
    want := decimal.NewFromFloat(0.162)
    if !got.Equal(want) {
        t.Fatalf("ExtensionAmount() = %s, want %s", got, want)
    }
}

func TestCreateInsufficientBalance(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(0.10)}

    mgr := NewManager(accounts, testConfig())
    _, err := mgr.Create(context.Background(), CreateInput{
        AccountID: 1, CallUUID: "call-1", DestinationPrefix: "1", RatePerMinute: decimal.NewFromFloat(0.05),
        Kind: models.ReservationKindInitial, Amount: decimal.NewFromFloat(0.30),
    })
    if err == nil {
        t.Fatal("Create() expected insufficient balance error, got nil")
    }
    appErr, ok := err.(*errors.AppError)
    if !ok || appErr.Code != errors.ErrInsufficientBalance {
        t.Fatalf("Create() error = %v, want ErrInsufficientBalance", err)
    }
}

func TestCreateSuspendedAccount(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusSuspended, Balance: decimal.NewFromFloat(100)}

    mgr := NewManager(accounts, testConfig())
    _, err := mgr.Create(context.Background(), CreateInput{
        AccountID: 1, CallUUID: "call-1", RatePerMinute: decimal.NewFromFloat(0.05),
        Kind: models.ReservationKindInitial, Amount: decimal.NewFromFloat(0.30),
    })
    appErr, ok := err.(*errors.AppError)
    if !ok || appErr.Code != errors.ErrAccountSuspended {
        t.Fatalf("Create() error = %v, want ErrAccountSuspended", err)
    }
}

func TestCreateSucceeds(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(10.00)}

    mgr := NewManager(accounts, testConfig())
    r, err := mgr.Create(context.Background(), CreateInput{
        AccountID: 1, CallUUID: "call-1", DestinationPrefix: "1", RatePerMinute: decimal.NewFromFloat(0.018),
        Kind: models.ReservationKindInitial, Amount: decimal.NewFromFloat(0.30),
    })
    if err != nil {
        t.Fatalf("Create() error = %v", err)
    }
    if r.ID == "" {
        t.Fatal("Create() reservation ID is empty")
    }
    if r.Status != models.ReservationStatusActive {
        t.Fatalf("Create() status = %s, want active", r.Status)
    }
    if len(accounts.ledger) != 1 || !accounts.ledger[0].Amount.IsZero() {
        t.Fatalf("Create() expected one zero-amount ledger entry, got %+v", accounts.ledger)
    }
}

func TestCreateConcurrencyLimitRejectsWhenAtCapacity(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(100)}
    accounts.reservations["existing"] = &models.BalanceReservation{
        ID: "existing", AccountID: 1, CallUUID: "other-call", Status: models.ReservationStatusActive,
        ReservedAmount: decimal.NewFromFloat(1),
    }

    mgr := NewManager(accounts, testConfig())
    _, err := mgr.Create(context.Background(), CreateInput{
        AccountID: 1, CallUUID: "call-1", RatePerMinute: decimal.NewFromFloat(0.05),
        Kind: models.ReservationKindInitial, Amount: decimal.NewFromFloat(0.30), MaxConcurrent: 1,
    })
    appErr, ok := err.(*errors.AppError)
    if !ok || appErr.Code != errors.ErrConcurrencyLimit {
        t.Fatalf("Create() error = %v, want ErrConcurrencyLimit", err)
    }
}

func TestCreateConcurrencyLimitAndInsertAreAtomic(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(100)}

    mgr := NewManager(accounts, testConfig())

    const attempts = 10
    var wg sync.WaitGroup
    errs := make([]error, attempts)
    for i := 0; i < attempts; i++ {
        i := i
        wg.Add(1)
        go func() {
            defer wg.Done()
            _, errs[i] = mgr.Create(context.Background(), CreateInput{
                AccountID: 1, CallUUID: "race-call", RatePerMinute: decimal.NewFromFloat(0.05),
                Kind: models.ReservationKindInitial, Amount: decimal.NewFromFloat(0.30), MaxConcurrent: 1,
            })
        }()
    }
    wg.Wait()

    succeeded := 0
    for _, err := range errs {
        if err == nil {
            succeeded++
        }
    }
    if succeeded != 1 {
        t.Fatalf("Create() succeeded %d times under MaxConcurrent=1, want exactly 1", succeeded)
    }
}

func TestConsumeNormalCase(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(10.00)}
    accounts.reservations["r1"] = &models.BalanceReservation{
        ID: "r1", AccountID: 1, CallUUID: "call-1", ReservedAmount: decimal.NewFromFloat(0.30),
        Status: models.ReservationStatusActive,
    }

    mgr := NewManager(accounts, testConfig())
    result, err := mgr.Consume(context.Background(), 1, "call-1", decimal.NewFromFloat(0.0180))
    if err != nil {
        t.Fatalf("Consume() error = %v", err)
    }
    if result.Suspended {
        t.Fatal("Consume() should not suspend in the normal case")
    }

    updated := accounts.reservations["r1"]
    if updated.Status != models.ReservationStatusPartiallyConsumed {
        t.Fatalf("reservation status = %s, want partially_consumed", updated.Status)
    }
    if !updated.ConsumedAmount.Equal(decimal.NewFromFloat(0.0180)) {
        t.Fatalf("consumed amount = %s, want 0.0180", updated.ConsumedAmount)
    }

    wantBalance := decimal.NewFromFloat(10.00).Sub(decimal.NewFromFloat(0.0180))
    if !accounts.accounts[1].Balance.Equal(wantBalance) {
        t.Fatalf("balance after consume = %s, want %s", accounts.accounts[1].Balance, wantBalance)
    }
}

func TestConsumeDeficitTripsSuspend(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(50.00)}
    accounts.reservations["r1"] = &models.BalanceReservation{
        ID: "r1", AccountID: 1, CallUUID: "call-1", ReservedAmount: decimal.NewFromFloat(2.00),
        Status: models.ReservationStatusActive,
    }

    mgr := NewManager(accounts, testConfig())
    // actual cost 19.70 vs reserved 2.00 => deficit 17.70, over the 10.00 threshold.
    result, err := mgr.Consume(context.Background(), 1, "call-1", decimal.NewFromFloat(19.70))
    if err != nil {
        t.Fatalf("Consume() error = %v", err)
    }
    if !result.Suspended {
        t.Fatal("Consume() expected auto-suspend on large deficit")
    }
    wantDeficit := decimal.NewFromFloat(17.70)
    if !result.Deficit.Equal(wantDeficit) {
        t.Fatalf("Consume() deficit = %s, want %s", result.Deficit, wantDeficit)
    }
    if accounts.accounts[1].Status != models.AccountStatusSuspended {
        t.Fatalf("account status = %s, want suspended", accounts.accounts[1].Status)
    }
}

func TestConsumeDeficitBelowThresholdDoesNotSuspend(t *testing.T) {
    accounts := newFakeAccountStore()
    accounts.accounts[1] = &models.Account{ID: 1, AccountNumber: "1001", Type: models.AccountTypePrepaid,
        Status: models.AccountStatusActive, Balance: decimal.NewFromFloat(50.00)}
    accounts.reservations["r1"] = &models.BalanceReservation{
        ID: "r1", AccountID: 1, CallUUID: "call-1", ReservedAmount: decimal.NewFromFloat(2.00),
        Status: models.ReservationStatusActive,
    }

    mgr := NewManager(accounts, testConfig())
    result, err := mgr.Consume(context.Background(), 1, "call-1", decimal.NewFromFloat(5.00))
    if err != nil {
        t.Fatalf("Consume() error = %v", err)
    }
    if result.Suspended {
        t.Fatal("Consume() should not suspend when deficit is under threshold")
    }
    if accounts.accounts[1].Status != models.AccountStatusActive {
        t.Fatalf("account status = %s, want active", accounts.accounts[1].Status)
    }
}

type fakeReservationStore struct {
    expired int64
}

func (f *fakeReservationStore) MarkExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
    return f.expired, nil
}

func (f *fakeReservationStore) ListActiveForCall(ctx context.Context, callUUID string) ([]*models.BalanceReservation, error) {
    return nil, nil
}

func TestSweeperStopsOnSignal(t *testing.T) {
    sweeper := NewSweeper(&fakeReservationStore{}, time.Millisecond)
    done := make(chan struct{})
    go func() {
        sweeper.Run(context.Background())
        close(done)
    }()
    sweeper.Stop()

    select {
    case <-done:
    case <-time.After(time.Second):
        t.Fatal("Sweeper.Run() did not stop after Stop()")
    }
}
