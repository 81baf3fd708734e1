package models

import (
    "testing"
    "time"

    "github.com/shopspring/decimal"
)

func TestAccountAvailableFundsPrepaid(t *testing.T) {
    acct := Account{Type: AccountTypePrepaid, Balance: decimal.NewFromFloat(10.00)}
    got := acct.AvailableFunds(decimal.NewFromFloat(2.50))
    want := decimal.NewFromFloat(7.50)
    if !got.Equal(want) {
        t.Fatalf("AvailableFunds() = %s, want %s", got, want)
    }
}

func TestAccountAvailableFundsPostpaid(t *testing.T) {
    acct := Account{Type: AccountTypePostpaid, CreditLimit: decimal.NewFromFloat(50.00), Balance: decimal.NewFromFloat(-12.00)}
    got := acct.AvailableFunds(decimal.Zero)
    want := decimal.NewFromFloat(62.00)
    if !got.Equal(want) {
        t.Fatalf("AvailableFunds() = %s, want %s", got, want)
    }

    // A positive balance (account owes nothing yet) still reduces headroom.
    acct.Balance = decimal.NewFromFloat(5.00)
    got = acct.AvailableFunds(decimal.Zero)
    want = decimal.NewFromFloat(45.00)
    if !got.Equal(want) {
        t.Fatalf("AvailableFunds() with positive balance = %s, want %s", got, want)
    }
}

func TestBalanceReservationOutstanding(t *testing.T) {
    r := BalanceReservation{
        ReservedAmount: decimal.NewFromFloat(3.00),
        ConsumedAmount: decimal.NewFromFloat(1.20),
    }
    got := r.Outstanding()
    want := decimal.NewFromFloat(1.80)
    if !got.Equal(want) {
        t.Fatalf("Outstanding() = %s, want %s", got, want)
    }
}

func TestCallSessionTimeRemaining(t *testing.T) {
    start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
    s := CallSession{StartTime: start, MaxDurationSeconds: 300}

    got := s.TimeRemaining(start.Add(100 * time.Second))
    want := 200 * time.Second
    if got != want {
        t.Fatalf("TimeRemaining() = %s, want %s", got, want)
    }

    got = s.TimeRemaining(start.Add(400 * time.Second))
    want = -100 * time.Second
    if got != want {
        t.Fatalf("TimeRemaining() past limit = %s, want %s", got, want)
    }
}

func TestMetadataRoundTrip(t *testing.T) {
    m := Metadata{"campaign": "spring", "tier": float64(2)}
    raw, err := m.Value()
    if err != nil {
        t.Fatalf("Value() error = %v", err)
    }

    var decoded Metadata
    bytes, ok := raw.([]byte)
    if !ok {
        t.Fatalf("Value() returned %T, want []byte", raw)
    }
    if err := decoded.Scan(bytes); err != nil {
        t.Fatalf("Scan() error = %v", err)
    }
    if decoded["campaign"] != "spring" {
        t.Fatalf("decoded[campaign] = %v, want spring", decoded["campaign"])
    }
}

func TestMetadataValueNil(t *testing.T) {
    var m Metadata
    v, err := m.Value()
    if err != nil || v != nil {
        t.Fatalf("Value() on nil map = (%v, %v), want (nil, nil)", v, err)
    }
}
