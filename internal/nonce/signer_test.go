package nonce

import (
	"errors"
	"testing"
	"time"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()

	s, err := NewSigner([]byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return s
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner(nil, time.Minute); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	now := time.Now()
	s.now = func() time.Time { return now }
	ts := now.UnixMilli()

	sig := s.Sign("POST", "/widgets", "n1", ts, []byte(`{}`))
	if err := s.Verify("POST", "/widgets", "n1", ts, []byte(`{}`), sig, 0); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyTamperEvidence(t *testing.T) {
	s := newTestSigner(t)

	now := time.Now()
	s.now = func() time.Time { return now }
	ts := now.UnixMilli()

	sig := s.Sign("POST", "/widgets", "n1", ts, []byte(`{}`))

	cases := []struct {
		name               string
		method, url, nonce string
		body               []byte
	}{
		{"body changed", "POST", "/widgets", "n1", []byte(`{"a":1}`)},
		{"method changed", "PUT", "/widgets", "n1", []byte(`{}`)},
		{"url changed", "POST", "/gadgets", "n1", []byte(`{}`)},
		{"nonce changed", "POST", "/widgets", "n2", []byte(`{}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Verify(tc.method, tc.url, tc.nonce, ts, tc.body, sig, 0)
			if !errors.Is(err, ErrSignatureInvalid) {
				t.Fatalf("expected ErrSignatureInvalid, got %v", err)
			}
		})
	}
}

func TestVerifyTimestampWindow(t *testing.T) {
	s := newTestSigner(t)

	now := time.Now()
	s.now = func() time.Time { return now }

	// A stale timestamp is rejected before signature verification runs,
	// so even a correctly signed request fails.
	stale := now.Add(-2 * time.Minute).UnixMilli()
	sig := s.Sign("POST", "/widgets", "n1", stale, []byte(`{}`))
	if err := s.Verify("POST", "/widgets", "n1", stale, []byte(`{}`), sig, 0); !errors.Is(err, ErrTimestampOutOfWindow) {
		t.Fatalf("expected ErrTimestampOutOfWindow, got %v", err)
	}

	// Future drift beyond tolerance is rejected too.
	future := now.Add(2 * time.Minute).UnixMilli()
	sig = s.Sign("POST", "/widgets", "n1", future, []byte(`{}`))
	if err := s.Verify("POST", "/widgets", "n1", future, []byte(`{}`), sig, 0); !errors.Is(err, ErrTimestampOutOfWindow) {
		t.Fatalf("expected ErrTimestampOutOfWindow, got %v", err)
	}

	// Drift inside the window passes.
	recent := now.Add(-30 * time.Second).UnixMilli()
	sig = s.Sign("POST", "/widgets", "n1", recent, []byte(`{}`))
	if err := s.Verify("POST", "/widgets", "n1", recent, []byte(`{}`), sig, 0); err != nil {
		t.Fatalf("expected valid signature inside tolerance, got %v", err)
	}
}

func TestVerifyToleranceOverride(t *testing.T) {
	s := newTestSigner(t)

	now := time.Now()
	s.now = func() time.Time { return now }

	// 30s of drift: inside the signer's one-minute default, outside a
	// tighter per-call window.
	ts := now.Add(-30 * time.Second).UnixMilli()
	sig := s.Sign("POST", "/widgets", "n1", ts, []byte(`{}`))

	if err := s.Verify("POST", "/widgets", "n1", ts, []byte(`{}`), sig, 0); err != nil {
		t.Fatalf("expected default tolerance to accept, got %v", err)
	}
	if err := s.Verify("POST", "/widgets", "n1", ts, []byte(`{}`), sig, 10*time.Second); !errors.Is(err, ErrTimestampOutOfWindow) {
		t.Fatalf("expected tighter tolerance to reject, got %v", err)
	}

	// A wider per-call window accepts drift the default would reject.
	stale := now.Add(-2 * time.Minute).UnixMilli()
	sig = s.Sign("POST", "/widgets", "n1", stale, []byte(`{}`))
	if err := s.Verify("POST", "/widgets", "n1", stale, []byte(`{}`), sig, 5*time.Minute); err != nil {
		t.Fatalf("expected wider tolerance to accept, got %v", err)
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	s := newTestSigner(t)

	now := time.Now()
	s.now = func() time.Time { return now }

	err := s.Verify("POST", "/widgets", "n1", now.UnixMilli(), []byte(`{}`), "not-hex", 0)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestCanonicalFieldBoundaries(t *testing.T) {
	// "ab" + "c" and "a" + "bc" must canonicalize differently.
	s := newTestSigner(t)
	now := time.Now()
	s.now = func() time.Time { return now }
	ts := now.UnixMilli()

	if s.Sign("ab", "c", "n", ts, nil) == s.Sign("a", "bc", "n", ts, nil) {
		t.Fatal("canonical form must separate fields")
	}
}
