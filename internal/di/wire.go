//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"kitchenpulse/pkg/config"
	"kitchenpulse/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		ProvideLogger,

		// Metrics
		ProvideRecorder,
		ProvideMetrics,

		// Infrastructure clients
		ProvideSnapshotStore,
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,

		// Repositories
		ProvideAuditSink,
		ProvideEventPublisher,
		ProvideOutbox,

		// Use cases
		ProvideServiceConfig,
		ProvideEstimationService,
		ProvideKafkaSignalsHandler,

		// Transport
		ProvideLimiter,
		ProvideHTTPHandler,

		// Application server
		ProvideApp,
	)
	return nil, nil, nil
}
