// Package webhookauth authenticates webhook deliveries signed with
// HMAC-SHA256 over "<timestamp>.<body>".
package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSecret          = errors.New("no signing secret configured")
	ErrMissingSignature       = errors.New("missing signature")
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid signature")
)

// DefaultTolerance bounds clock skew and replay of captured deliveries.
const DefaultTolerance = 5 * time.Minute

type Input struct {
	Secret          string
	TimestampHeader string
	SignatureHeader string
	Body            []byte
	Now             time.Time
	// Tolerance defaults to DefaultTolerance when zero.
	Tolerance time.Duration
}

func Verify(in Input) error {
	if in.Secret == "" {
		return ErrMissingSecret
	}
	tsHeader := strings.TrimSpace(in.TimestampHeader)
	sigHeader := strings.TrimPrefix(strings.TrimSpace(in.SignatureHeader), "sha256=")
	if sigHeader == "" {
		return ErrMissingSignature
	}

	tsInt, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	ts := time.Unix(tsInt, 0).UTC()

	window := in.Tolerance
	if window <= 0 {
		window = DefaultTolerance
	}
	now := in.Now.UTC()
	if ts.Before(now.Add(-window)) || ts.After(now.Add(window)) {
		return ErrTimestampOutsideWindow
	}

	provided, err := hex.DecodeString(sigHeader)
	if err != nil {
		return ErrInvalidSignature
	}

	if !hmac.Equal(provided, sign(in.Secret, tsHeader, in.Body)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignHex computes the hex signature a sender puts in the signature header.
func SignHex(secret string, timestampHeader string, body []byte) string {
	return hex.EncodeToString(sign(secret, timestampHeader, body))
}

func sign(secret string, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}
