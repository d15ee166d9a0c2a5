package webhookauth

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)

func signed(secret string, at time.Time, body []byte) Input {
	ts := strconv.FormatInt(at.Unix(), 10)
	return Input{
		Secret:          secret,
		TimestampHeader: ts,
		SignatureHeader: SignHex(secret, ts, body),
		Body:            body,
		Now:             now,
	}
}

func TestVerifyOK(t *testing.T) {
	body := []byte(`{"entity_type":"product","entity_id":"SKU-1","version":"3"}`)
	assert.NoError(t, Verify(signed("dev-secret", now.Add(-2*time.Minute), body)))

	in := signed("dev-secret", now, body)
	in.SignatureHeader = "sha256=" + in.SignatureHeader
	assert.NoError(t, Verify(in))
}

func TestVerifyRejects(t *testing.T) {
	body := []byte(`{"k":"v"}`)

	tests := []struct {
		name   string
		mutate func(in *Input)
		want   error
	}{
		{"missing secret", func(in *Input) { in.Secret = "" }, ErrMissingSecret},
		{"missing signature", func(in *Input) { in.SignatureHeader = " " }, ErrMissingSignature},
		{"bad timestamp", func(in *Input) { in.TimestampHeader = "not-a-number" }, ErrInvalidTimestamp},
		{"too old", func(in *Input) {
			*in = signed("dev-secret", now.Add(-(DefaultTolerance + time.Second)), body)
		}, ErrTimestampOutsideWindow},
		{"too far ahead", func(in *Input) {
			*in = signed("dev-secret", now.Add(DefaultTolerance+time.Second), body)
		}, ErrTimestampOutsideWindow},
		{"narrow tolerance", func(in *Input) {
			*in = signed("dev-secret", now.Add(-time.Minute), body)
			in.Tolerance = 30 * time.Second
		}, ErrTimestampOutsideWindow},
		{"bad hex", func(in *Input) { in.SignatureHeader = "not-hex!!!" }, ErrInvalidSignature},
		{"wrong secret", func(in *Input) {
			in.SignatureHeader = SignHex("WRONG-SECRET", in.TimestampHeader, body)
		}, ErrInvalidSignature},
		{"tampered body", func(in *Input) { in.Body = []byte(`{"k":"w"}`) }, ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := signed("dev-secret", now, body)
			tt.mutate(&in)
			assert.ErrorIs(t, Verify(in), tt.want)
		})
	}
}
