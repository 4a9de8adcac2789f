package nonce

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrSignatureInvalid is returned when the supplied signature does not
	// match the computed one. Non-retryable.
	ErrSignatureInvalid = errors.New("nonce: invalid signature")

	// ErrTimestampOutOfWindow is returned when the signed timestamp falls
	// outside the tolerance window. Retryable with a fresh timestamp and nonce.
	ErrTimestampOutOfWindow = errors.New("nonce: timestamp outside tolerance window")
)

// DefaultTimestampTolerance bounds clock skew between client and server.
const DefaultTimestampTolerance = 5 * time.Minute

// Signer computes and verifies HMAC-SHA256 request signatures over the
// canonical string "method:url:nonce:timestamp:body".
type Signer struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSigner creates a signer with the given server secret. tolerance
// bounds how far a signed timestamp may drift from server time; zero
// uses DefaultTimestampTolerance.
func NewSigner(secret []byte, tolerance time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("nonce: signing secret is required")
	}
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}

	return &Signer{
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
	}, nil
}

// Sign computes the hex signature for a request. timestampMs is the
// client-supplied epoch-millisecond timestamp.
func (s *Signer) Sign(method, url, nonce string, timestampMs int64, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical(method, url, nonce, timestampMs, body))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a supplied signature. The timestamp window is checked
// before any HMAC work: a stale request is rejected cheaply without
// touching the secret. Signature comparison is constant-time.
// tolerance overrides the signer's configured window for this call;
// zero or negative uses the configured default.
func (s *Signer) Verify(method, url, nonce string, timestampMs int64, body []byte, signature string, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = s.tolerance
	}

	ts := time.UnixMilli(timestampMs)
	drift := s.now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return ErrTimestampOutOfWindow
	}

	supplied, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical(method, url, nonce, timestampMs, body))

	if !hmac.Equal(mac.Sum(nil), supplied) {
		return ErrSignatureInvalid
	}

	return nil
}

func canonical(method, url, nonce string, timestampMs int64, body []byte) []byte {
	buf := make([]byte, 0, len(method)+len(url)+len(nonce)+len(body)+24)
	buf = append(buf, method...)
	buf = append(buf, ':')
	buf = append(buf, url...)
	buf = append(buf, ':')
	buf = append(buf, nonce...)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, timestampMs, 10)
	buf = append(buf, ':')
	buf = append(buf, body...)
	return buf
}
