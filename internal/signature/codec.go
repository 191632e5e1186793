package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Common errors returned by the codec.
var (
	ErrEmptySecret      = errors.New("signature: secret cannot be empty")
	ErrMalformedHex     = errors.New("signature: malformed hex encoding")
	ErrOutsideTolerance = errors.New("signature: timestamp outside tolerance window")
	ErrMismatch         = errors.New("signature: verification failed")
)

// Codec computes and verifies HMAC-SHA256 signatures over a canonical
// (timestamp, payload) tuple. The signed message is the UTF-8 bytes of
// "{timestampSeconds}.{rawPayload}" so a captured signature cannot be
// replayed with a different payload or outside the tolerance window.
//
// The zero value is not usable; construct with NewCodec.
type Codec struct {
	now func() time.Time
}

// Option customizes codec behavior.
type Option func(*Codec)

// WithClock injects a clock, used by tests to pin the tolerance check.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec constructs a signature codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sign computes the hex-encoded HMAC-SHA256 signature for the payload at
// the given unix-seconds timestamp.
func (c *Codec) Sign(secret string, timestamp int64, payload []byte) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)

	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it in constant time. It
// separately rejects timestamps further than tolerance from the codec's
// current time, defending against replay of captured requests.
func (c *Codec) Verify(secret string, timestamp int64, payload []byte, provided string, tolerance time.Duration) error {
	if secret == "" {
		return ErrEmptySecret
	}

	providedBytes, err := hex.DecodeString(provided)
	if err != nil || len(providedBytes) == 0 {
		return ErrMalformedHex
	}

	if tolerance > 0 {
		skew := c.now().Unix() - timestamp
		if skew < 0 {
			skew = -skew
		}
		if time.Duration(skew)*time.Second > tolerance {
			return fmt.Errorf("%w: event is %ds away from now", ErrOutsideTolerance, skew)
		}
	}

	expected, err := c.Sign(secret, timestamp, payload)
	if err != nil {
		return err
	}
	expectedBytes, _ := hex.DecodeString(expected)

	if !hmac.Equal(expectedBytes, providedBytes) {
		return ErrMismatch
	}

	return nil
}
