// Package auth carries the authenticated device through request contexts.
//
// Authentication itself happens at the gateway in front of the service; the
// gateway forwards the verified identity in trusted headers.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-delivery-service/internal/response"
)

const (
	HeaderAccountID = "X-Account-Id"
	HeaderDeviceID  = "X-Device-Id"
)

// Device identifies the authenticated caller.
type Device struct {
	AccountID uuid.UUID
	DeviceID  int64
}

type contextKey struct{}

func ContextWithDevice(ctx context.Context, d Device) context.Context {
	return context.WithValue(ctx, contextKey{}, d)
}

func DeviceFromContext(ctx context.Context) (Device, bool) {
	d, ok := ctx.Value(contextKey{}).(Device)
	return d, ok
}

// TrustedHeaders reads the caller from the gateway headers and rejects the
// request with 401 when they are missing or malformed.
func TrustedHeaders(logger *slog.Logger) func(http.Handler) http.Handler {
	log := logger.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := deviceFromHeaders(r)
			if err != nil {
				log.Warn("Rejecting request without valid identity headers", "path", r.URL.Path, "err", err)
				response.WriteJSONError(w, http.StatusUnauthorized, "missing or invalid device identity")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithDevice(r.Context(), d)))
		})
	}
}

func deviceFromHeaders(r *http.Request) (Device, error) {
	accountID, err := uuid.Parse(r.Header.Get(HeaderAccountID))
	if err != nil {
		return Device{}, err
	}
	deviceID, err := strconv.ParseInt(r.Header.Get(HeaderDeviceID), 10, 64)
	if err != nil {
		return Device{}, err
	}
	if deviceID <= 0 {
		return Device{}, strconv.ErrRange
	}
	return Device{AccountID: accountID, DeviceID: deviceID}, nil
}
