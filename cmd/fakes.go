package cmd

import (
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-delivery-service/deliveryservice"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/test/fakes"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// NewFakeDependencies creates in-memory fakes for local development. The
// coordination cluster has a single member, this process.
func NewFakeDependencies(m *metrics.Metrics, logger zerolog.Logger, accounts ...*delivery.Account) *deliveryservice.ServiceDependencies {
	logger.Warn().Msg("Running in 'local' mode. All external dependencies are faked.")
	return &deliveryservice.ServiceDependencies{
		Coordination: fakes.NewCoordinationCluster().NewStore(),
		Queue:        fakes.NewQueueStore(),
		Slots:        fakes.NewSlotStore(),
		Directory:    fakes.NewAccountDirectory(accounts...),
		FCMSender:    fakes.NewPushSender(logger.With().Str("channel", string(delivery.ChannelFCM)).Logger()),
		APNSender:    fakes.NewPushSender(logger.With().Str("channel", string(delivery.ChannelAPN)).Logger()),
		Latency:      fakes.NewLatencyRecorder(),
		Metrics:      m,
	}
}
