// Package realtime provides the WebSocket endpoint devices hold open while
// they are online.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-delivery-service/internal/auth"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// CloseDisplaced is sent when the device opened a newer connection.
const CloseDisplaced = 4409

const clearTimeout = 5 * time.Second

// Presence is the part of the presence registry the connection manager uses.
type Presence interface {
	SetPresent(ctx context.Context, accountID uuid.UUID, deviceID int64, listener delivery.DisplacementListener) error
	ClearPresence(ctx context.Context, accountID uuid.UUID, deviceID int64) (bool, error)
}

// ConnectHook is told when a device has registered its presence.
type ConnectHook interface {
	DeviceConnected(ctx context.Context, accountID uuid.UUID, deviceID int64)
}

// connection is the DisplacementListener for one socket.
type connection struct {
	conn      *websocket.Conn
	displaced atomic.Bool
	logger    zerolog.Logger
}

func (c *connection) HandleDisplacement(connectedElsewhere bool) {
	if !c.displaced.CompareAndSwap(false, true) {
		return
	}
	reason := "reconnected"
	if connectedElsewhere {
		reason = "connected elsewhere"
	}
	c.logger.Info().Bool("connected_elsewhere", connectedElsewhere).Msg("Closing displaced connection.")
	msg := websocket.FormatCloseMessage(CloseDisplaced, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send close frame to displaced connection.")
	}
	_ = c.conn.Close()
}

// ConnectionManager serves /connect and ties each socket's lifetime to the
// device's presence record. It runs its own HTTP server.
type ConnectionManager struct {
	server      *http.Server
	upgrader    websocket.Upgrader
	presence    Presence
	hook        ConnectHook
	connections sync.Map // map[string]*connection
	logger      zerolog.Logger
}

// NewConnectionManager creates the manager. hook may be nil.
func NewConnectionManager(
	port string,
	authMiddleware func(http.Handler) http.Handler,
	presence Presence,
	hook ConnectHook,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if presence == nil {
		return nil, fmt.Errorf("presence cannot be nil")
	}
	if authMiddleware == nil {
		return nil, fmt.Errorf("auth middleware cannot be nil")
	}

	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Devices are native clients; there is no browser origin to check.
				return true
			},
		},
		presence: presence,
		hook:     hook,
		logger:   logger.With().Str("component", "ConnectionManager").Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", authMiddleware(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return cm, nil
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	cm.server.BaseContext = func(net.Listener) context.Context { return ctx }
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes the open ones with
// CloseGoingAway. Their handlers clear presence on the way out.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	err := cm.server.Shutdown(ctx)
	if err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
	}

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	cm.connections.Range(func(_, value any) bool {
		c := value.(*connection)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		return true
	})

	cm.logger.Info().Msg("WebSocket service shut down.")
	return err
}

// connectHandler upgrades the request and holds the socket until either side
// closes it.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	device, ok := auth.DeviceFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	key := delivery.PresenceKey{AccountID: device.AccountID, DeviceID: device.DeviceID}.String()
	log := cm.logger.With().Str("account", device.AccountID.String()).Int64("device", device.DeviceID).Logger()

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	c := &connection{conn: conn, logger: log}
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.WithoutCancel(r.Context())
	if err := cm.presence.SetPresent(ctx, device.AccountID, device.DeviceID, c); err != nil {
		log.Error().Err(err).Msg("Failed to register presence.")
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "presence unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}
	cm.connections.Store(key, c)
	defer cm.remove(key, c, device)

	log.Info().Msg("Device connected via WebSocket.")
	if cm.hook != nil {
		cm.hook.DeviceConnected(ctx, device.AccountID, device.DeviceID)
	}

	// Reads only detect the disconnect; devices fetch messages over the API.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// remove forgets the socket and, unless it was displaced, clears presence.
func (cm *ConnectionManager) remove(key string, c *connection, device auth.Device) {
	cm.connections.CompareAndDelete(key, c)

	if c.displaced.Load() {
		c.logger.Info().Msg("Displaced connection closed.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	if _, err := cm.presence.ClearPresence(ctx, device.AccountID, device.DeviceID); err != nil {
		c.logger.Error().Err(err).Msg("Failed to clear presence.")
		return
	}
	c.logger.Info().Msg("Device disconnected.")
}
