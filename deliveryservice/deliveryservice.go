// Package deliveryservice assembles the delivery core into a runnable service:
// the presence registry, the message and receipt senders, the fallback loop,
// the message fetch API and the WebSocket connection manager.
package deliveryservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-delivery-service/deliveryservice/config"
	"github.com/tinywideclouds/go-delivery-service/internal/api"
	"github.com/tinywideclouds/go-delivery-service/internal/coordination"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/pipeline"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/push"
	"github.com/tinywideclouds/go-delivery-service/internal/presence"
	"github.com/tinywideclouds/go-delivery-service/internal/queue"
	"github.com/tinywideclouds/go-delivery-service/internal/realtime"
	"github.com/tinywideclouds/go-delivery-service/internal/response"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// FallbackRunner is a fallback scheduler with its own polling loop.
type FallbackRunner interface {
	delivery.FallbackScheduler
	Run(ctx context.Context, notifier push.Notifier)
}

// ServiceDependencies are the adapters the service is assembled from.
type ServiceDependencies struct {
	Coordination coordination.Store
	Queue        queue.Store
	Slots        queue.EphemeralSlots
	Directory    delivery.AccountDirectory
	FCMSender    delivery.PushSender
	APNSender    delivery.PushSender

	// Optional.
	Fallback           FallbackRunner
	Latency            delivery.LatencyRecorder
	UnregisteredTokens delivery.UnregisteredTokenHandler
	Metrics            *metrics.Metrics
	Gatherer           prometheus.Gatherer
}

// Wrapper owns every long-running component of one service instance.
type Wrapper struct {
	server        *http.Server
	registry      *presence.Registry
	sender        *pipeline.MessageSender
	receipts      *pipeline.ReceiptSender
	apiHandler    *api.API
	connManager   *realtime.ConnectionManager
	fallback      FallbackRunner
	logger        zerolog.Logger
	ready         atomic.Bool
	httpReadyChan chan struct{}

	mu       sync.Mutex
	listener net.Listener

	cancelBackground context.CancelFunc
	background       sync.WaitGroup
}

// New creates and wires up the delivery service. Service components log
// through logger; the HTTP API logs through apiLogger.
func New(
	cfg *config.AppConfig,
	deps *ServiceDependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
	apiLogger *slog.Logger,
) (*Wrapper, error) {
	if deps == nil {
		return nil, errors.New("dependencies cannot be nil")
	}
	if deps.Directory == nil {
		return nil, errors.New("account directory cannot be nil")
	}

	// 1. Presence.
	registry, err := presence.NewRegistry(deps.Coordination, presence.Config{
		SweepInterval: cfg.Presence.SweepInterval,
		Workers:       cfg.Presence.Workers,
		QueueSize:     cfg.Presence.QueueSize,
	}, deps.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence registry: %w", err)
	}

	// 2. Delivery pipeline.
	senderDeps := &delivery.Dependencies{
		Presence:           registry,
		Queue:              deps.Queue,
		Slots:              deps.Slots,
		FCMSender:          deps.FCMSender,
		APNSender:          deps.APNSender,
		Latency:            deps.Latency,
		UnregisteredTokens: deps.UnregisteredTokens,
	}
	if deps.Fallback != nil {
		senderDeps.Fallback = deps.Fallback
	}
	sender, err := pipeline.NewMessageSender(senderDeps, deps.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create message sender: %w", err)
	}
	receipts, err := pipeline.NewReceiptSender(deps.Directory, sender, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt sender: %w", err)
	}

	// 3. Connections.
	connManager, err := realtime.NewConnectionManager(cfg.WebSocketPort, authMiddleware, registry, sender, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	// 4. HTTP API.
	apiHandler := api.NewAPI(deps.Queue, deps.Slots, receipts, deps.Directory, apiLogger.With("component", "API"))

	w := &Wrapper{
		registry:      registry,
		sender:        sender,
		receipts:      receipts,
		apiHandler:    apiHandler,
		connManager:   connManager,
		fallback:      deps.Fallback,
		logger:        logger.With().Str("component", "DeliveryService").Logger(),
		httpReadyChan: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/messages", authMiddleware(http.HandlerFunc(apiHandler.GetMessageBatchHandler)))
	mux.Handle("POST /api/messages/ack", authMiddleware(http.HandlerFunc(apiHandler.AcknowledgeMessagesHandler)))
	mux.Handle("PUT /api/receipt/{destination}/{timestamp}", authMiddleware(http.HandlerFunc(apiHandler.SendReceiptHandler)))
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		response.WriteJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", w.readyHandler)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(deps.Gatherer))
	}

	w.server = &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return w, nil
}

// Sender is the entry point upstream callers route envelopes through.
func (w *Wrapper) Sender() *pipeline.MessageSender { return w.sender }

func (w *Wrapper) Receipts() *pipeline.ReceiptSender { return w.receipts }

func (w *Wrapper) Registry() *presence.Registry { return w.registry }

func (w *Wrapper) ConnectionManager() *realtime.ConnectionManager { return w.connManager }

// Ready is closed once the API listener is accepting connections.
func (w *Wrapper) Ready() <-chan struct{} { return w.httpReadyChan }

// Addr returns the bound API address, or "" before Ready.
func (w *Wrapper) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

// Start starts the registry, the senders and the fallback loop, then serves
// the API until Shutdown.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Presence registry starting...")
	if err := w.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start presence registry: %w", err)
	}
	if err := w.sender.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message sender: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancelBackground = cancel
	if w.fallback != nil {
		w.background.Add(1)
		go func() {
			defer w.background.Done()
			w.fallback.Run(bgCtx, w.sender)
		}()
	}

	ln, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}
	w.mu.Lock()
	w.listener = ln
	w.mu.Unlock()

	close(w.httpReadyChan)
	w.ready.Store(true)
	w.logger.Info().Str("addr", ln.Addr().String()).Msg("Service is now ready.")

	if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown stops the API, lets background acknowledgements finish, then stops
// the fallback loop, the senders and the registry in that order. The
// connection manager is shut down separately and should go first so that
// closing sockets can still clear their presence.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)
	var errs []error

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		errs = append(errs, err)
	}

	w.apiHandler.Wait()

	if w.cancelBackground != nil {
		w.cancelBackground()
	}
	w.background.Wait()

	if err := w.sender.Stop(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Message sender shutdown failed.")
		errs = append(errs, err)
	}
	if err := w.registry.Stop(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Presence registry shutdown failed.")
		errs = append(errs, err)
	}

	w.logger.Info().Msg("All components shut down.")
	return errors.Join(errs...)
}

func (w *Wrapper) readyHandler(rw http.ResponseWriter, _ *http.Request) {
	if !w.ready.Load() {
		response.WriteJSONError(rw, http.StatusServiceUnavailable, "not ready")
		return
	}
	response.WriteJSON(rw, http.StatusOK, map[string]string{"status": "ready"})
}
