package gateway

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
	// ErrBadSignature means the signature does not match the payload, or the
	// headers are malformed. The delivery must not be trusted.
	ErrBadSignature = errors.New("invalid event signature")

	// ErrStaleTimestamp means the signed timestamp is outside the accepted
	// window; a replayed capture looks exactly like this.
	ErrStaleTimestamp = errors.New("event timestamp outside tolerance")
)

// Verifier authenticates webhook deliveries. The gateway signs each delivery
// with hex(HMAC-SHA256(secret, timestamp + "." + body)) and sends the
// signature and unix timestamp as headers. Binding the timestamp into the
// signature keeps captured payloads from being replayed later.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify checks signature against payload at timestamp (unix seconds).
func (v *Verifier) Verify(payload []byte, timestamp, signature string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrBadSignature, timestamp)
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return fmt.Errorf("%w: signed at %s", ErrStaleTimestamp, time.Unix(ts, 0).UTC().Format(time.RFC3339))
	}

	expected := Sign(v.secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 over timestamp + "." + payload.
func Sign(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
