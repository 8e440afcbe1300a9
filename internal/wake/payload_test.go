package wake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lowerHex = regexp.MustCompile(`^[0-9a-f]+$`)

func TestNewPayload_Format(t *testing.T) {
	payload, err := NewPayload("secret-password", uuid.New())
	require.NoError(t, err)

	assert.Len(t, payload, 96)
	assert.Regexp(t, lowerHex, payload)
}

func TestNewPayload_FreshIV(t *testing.T) {
	accountID := uuid.New()
	p1, err := NewPayload("pw", accountID)
	require.NoError(t, err)
	p2, err := NewPayload("pw", accountID)
	require.NoError(t, err)

	assert.NotEqual(t, p1[:32], p2[:32])
}

func TestVerify(t *testing.T) {
	accountID := uuid.New()
	payload, err := NewPayload("device-password", accountID)
	require.NoError(t, err)

	testCases := []struct {
		name      string
		payload   string
		password  string
		accountID uuid.UUID
		want      bool
	}{
		{name: "round trip", payload: payload, password: "device-password", accountID: accountID, want: true},
		{name: "wrong password", payload: payload, password: "other-password", accountID: accountID, want: false},
		{name: "wrong account", payload: payload, password: "device-password", accountID: uuid.New(), want: false},
		{name: "truncated", payload: payload[:94], password: "device-password", accountID: accountID, want: false},
		{name: "not hex", payload: "zz" + payload[2:], password: "device-password", accountID: accountID, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Verify(tc.payload, tc.password, tc.accountID))
		})
	}
}

func TestNewPayload_MacMatchesIndependentComputation(t *testing.T) {
	accountID := uuid.New()
	payload, err := NewPayload("pw", accountID)
	require.NoError(t, err)

	raw, err := hex.DecodeString(payload)
	require.NoError(t, err)
	h := hmac.New(sha256.New, []byte("pw"+accountID.String()))
	h.Write(raw[:16])

	assert.Equal(t, h.Sum(nil), raw[16:])
}
