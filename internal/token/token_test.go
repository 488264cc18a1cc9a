package token

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"sicalgate/internal/domain"
)

var testSecret = []byte("test-secret-key")

func testDescriptor() domain.OperationDescriptor {
	return domain.OperationDescriptor{
		Tercero: "A12345678",
		Fecha:   "15012026",
		Caja:    "200",
		Aplicaciones: []domain.LineItem{
			{Funcional: "338", Economica: "22799", Importe: "150,00"},
		},
	}
}

func newTestService(t *testing.T, lifetime time.Duration) (*Service, *time.Time) {
	t.Helper()
	svc := NewService(testSecret, lifetime, log.New(io.Discard, "", 0))
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }
	return svc, &now
}

func TestIssueAndConsume(t *testing.T) {
	svc, _ := newTestService(t, 0)
	d := testDescriptor()

	id, expiresAt := svc.Issue(d)
	if id == "" {
		t.Fatal("empty token id")
	}
	if got := expiresAt.Sub(svc.Now()); got != DefaultLifetime {
		t.Fatalf("expiry %s from now, want %s", got, DefaultLifetime)
	}
	if err := svc.ValidateAndConsume(id, d); err != nil {
		t.Fatalf("consume: %v", err)
	}
}

func TestMissingToken(t *testing.T) {
	svc, _ := newTestService(t, 0)
	if err := svc.ValidateAndConsume("", testDescriptor()); !errors.Is(err, ErrMissing) {
		t.Fatalf("got %v, want ErrMissing", err)
	}
}

func TestUnknownToken(t *testing.T) {
	svc, _ := newTestService(t, 0)
	if err := svc.ValidateAndConsume("no-such-token", testDescriptor()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSingleUse(t *testing.T) {
	svc, _ := newTestService(t, 0)
	d := testDescriptor()
	id, _ := svc.Issue(d)
	if err := svc.ValidateAndConsume(id, d); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := svc.ValidateAndConsume(id, d); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("got %v, want ErrAlreadyUsed", err)
	}
}

func TestExpiry(t *testing.T) {
	svc, now := newTestService(t, 300*time.Second)
	d := testDescriptor()
	id, _ := svc.Issue(d)

	*now = now.Add(299 * time.Second)
	if err := svc.ValidateAndConsume(id, d); err != nil {
		t.Fatalf("valid just before expiry: %v", err)
	}

	id2, _ := svc.Issue(d)
	*now = now.Add(300 * time.Second)
	if err := svc.ValidateAndConsume(id2, d); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired at exact boundary", err)
	}
}

func TestDataMismatch(t *testing.T) {
	svc, _ := newTestService(t, 0)
	d := testDescriptor()
	id, _ := svc.Issue(d)

	tampered := testDescriptor()
	tampered.Aplicaciones[0].Importe = "9.999,99"
	if err := svc.ValidateAndConsume(id, tampered); !errors.Is(err, ErrMismatch) {
		t.Fatalf("got %v, want ErrMismatch", err)
	}

	// The failed attempt must not consume the token.
	if err := svc.ValidateAndConsume(id, d); err != nil {
		t.Fatalf("token should survive a mismatch: %v", err)
	}
}

func TestExpiryCheckedBeforeMismatch(t *testing.T) {
	// An expired token with tampered data must report expiry, not mismatch.
	svc, now := newTestService(t, 300*time.Second)
	id, _ := svc.Issue(testDescriptor())
	*now = now.Add(301 * time.Second)
	tampered := testDescriptor()
	tampered.Tercero = "B87654321"
	if err := svc.ValidateAndConsume(id, tampered); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired before mismatch", err)
	}
}

func TestBindingIgnoresNonIdentityFields(t *testing.T) {
	svc, _ := newTestService(t, 0)
	d := testDescriptor()
	id, _ := svc.Issue(d)

	changed := testDescriptor()
	changed.Texto = "different description"
	changed.Expediente = "other-file"
	if err := svc.ValidateAndConsume(id, changed); err != nil {
		t.Fatalf("non-identity fields must not affect binding: %v", err)
	}
}

func TestBindingHashStable(t *testing.T) {
	a := BindingHash(testSecret, testDescriptor())
	b := BindingHash(testSecret, testDescriptor())
	if a != b {
		t.Fatalf("hash not deterministic: %s vs %s", a, b)
	}
	other := testDescriptor()
	other.Caja = "201"
	if BindingHash(testSecret, other) == a {
		t.Fatal("hash must change with caja")
	}
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	svc, _ := newTestService(t, 0)
	d := testDescriptor()
	id, _ := svc.Issue(d)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.ValidateAndConsume(id, d)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrAlreadyUsed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d goroutines consumed the token, want exactly 1", ok)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	svc, now := newTestService(t, 300*time.Second)
	svc.Issue(testDescriptor())
	svc.Issue(testDescriptor())

	*now = now.Add(10 * time.Minute)
	// Issuing triggers a sweep; the two old tokens are past expiry.
	svc.Issue(testDescriptor())

	st := svc.Stats()
	if st.Total != 1 || st.Active != 1 {
		t.Fatalf("stats after sweep: %+v, want 1 active token", st)
	}
}

func TestStats(t *testing.T) {
	svc, now := newTestService(t, 300*time.Second)
	d := testDescriptor()
	id, _ := svc.Issue(d)
	svc.Issue(d)
	if err := svc.ValidateAndConsume(id, d); err != nil {
		t.Fatalf("consume: %v", err)
	}
	*now = now.Add(30 * time.Second)

	st := svc.Stats()
	if st.Total != 2 || st.Active != 1 || st.Used != 1 || st.LifetimeSeconds != 300 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
