// Package wake builds the authenticated wake-up payload carried by push
// notifications. The payload proves the push came from this server without
// revealing anything about the waiting messages.
package wake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const (
	ivSize = 16
	// PayloadLength is the hex length of iv || HMAC-SHA256.
	PayloadLength = 2 * (ivSize + sha256.Size)
)

// NewPayload returns lowercase hex(iv || HMAC-SHA256(password+accountID, iv))
// for a fresh random iv.
func NewPayload(devicePassword string, accountID uuid.UUID) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to read random iv: %w", err)
	}
	return hex.EncodeToString(append(iv, mac(devicePassword, accountID, iv)...)), nil
}

// Verify reports whether payload was produced by NewPayload for the same
// device password and account.
func Verify(payload, devicePassword string, accountID uuid.UUID) bool {
	if len(payload) != PayloadLength {
		return false
	}
	raw, err := hex.DecodeString(payload)
	if err != nil {
		return false
	}
	iv, got := raw[:ivSize], raw[ivSize:]
	return hmac.Equal(got, mac(devicePassword, accountID, iv))
}

func mac(devicePassword string, accountID uuid.UUID, iv []byte) []byte {
	h := hmac.New(sha256.New, []byte(devicePassword+accountID.String()))
	h.Write(iv)
	return h.Sum(nil)
}
