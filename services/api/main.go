// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command api is the device management, command and telemetry api of slopewatch, including the
// EMQX authentication webhooks.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/relabs-tech/slopewatch/core/access"
	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/core/csql"
	"github.com/relabs-tech/slopewatch/core/logger"
	"github.com/relabs-tech/slopewatch/iot/broker"
	"github.com/relabs-tech/slopewatch/iot/bus"
	"github.com/relabs-tech/slopewatch/iot/commands"
	"github.com/relabs-tech/slopewatch/iot/registry"
	"github.com/relabs-tech/slopewatch/telemetry"
)

const shutdownTimeout = 10 * time.Second

// backends are the optional backing services. A backend which is not configured stays nil.
type backends struct {
	devices   registry.Store
	commands  commands.Store
	telemetry telemetry.Store
	publisher bus.Publisher
	closers   []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Default().WithError(err).Warnln("close failed")
		}
	}
}

func openBackends(service *Service) (*backends, error) {
	b := &backends{}
	rlog := logger.Default()

	if service.Postgres != "" {
		db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
		db.SetPoolSize(service.PostgresPoolMax)
		b.closers = append(b.closers, db.Close)
		deviceStore := registry.NewPostgresStore(db)
		deviceStore.MustMigrate()
		commandStore := commands.NewPostgresStore(db)
		commandStore.MustMigrate()
		b.devices, b.commands = deviceStore, commandStore
	} else {
		rlog.Warnln("POSTGRES not set, device and command routes answer unavailable")
	}

	if service.ClickHouseURL != "" {
		chDB, err := telemetry.OpenClickHouse(service.ClickHouse())
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, chDB.Close)
		b.telemetry = telemetry.NewClickHouseStore(chDB, service.ClickHouseDatabase, service.ClickHouseTable)
	} else {
		rlog.Warnln("CLICKHOUSE_URL not set, data routes answer unavailable")
	}

	if publisher := bus.NewKafkaPublisher(&bus.Builder{
		Brokers: service.Brokers(),
		Topic:   service.KafkaCommandTopic,
	}); publisher != nil {
		b.closers = append(b.closers, publisher.Close)
		b.publisher = publisher
	} else {
		rlog.Warnln("KAFKA_BROKERS not set, commands cannot be issued")
	}
	return b, nil
}

// newRouter builds the complete http handler of the service
func newRouter(service *Service, b *backends) http.Handler {
	gate := access.Gate{Required: service.AuthRequired}
	if !service.AuthRequired {
		logger.Default().Warnln("AUTH_REQUIRED is false, capabilities are not enforced")
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	api.HandleHealth(router, service.ServiceName)

	broker.New(&broker.Builder{
		Devices:          b.devices,
		InternalUsername: service.MqttInternalUsername,
		InternalPassword: service.MqttInternalPassword,
		WebhookToken:     service.EmqxWebhookToken,
		Timeout:          service.EmqxWebhookTimeout,
	}).HandleRoutes(router)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
		Secret:     service.JwtSecret,
		AdminToken: service.AdminAPIToken,
	}))
	api.HandleVersion(apiRouter)

	registry.New(&registry.Builder{
		Store: b.devices,
		Gate:  gate,
	}).HandleRoutes(apiRouter)

	commands.New(&commands.Builder{
		Store:          b.commands,
		Devices:        b.devices,
		Publisher:      b.publisher,
		PublishTimeout: service.KafkaPublishTimeout,
		Gate:           gate,
	}).HandleRoutes(apiRouter)

	telemetry.New(&telemetry.Builder{
		Store:            b.telemetry,
		Devices:          b.devices,
		MaxRangeHours:    service.MaxSeriesRangeHours,
		MaxPoints:        service.MaxPoints,
		MaxExportRows:    service.MaxExportRows,
		MaxExportDevices: service.MaxExportDevices,
		Gate:             gate,
	}).HandleRoutes(apiRouter)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger.Default()),
		handlers.PrintRecoveryStack(true),
	)
	return api.CORS(recovery(handlers.CompressHandler(router)))
}

func main() {
	service, err := LoadService()
	if err != nil {
		logger.Default().Fatalln("invalid configuration:", err)
	}
	logger.InitLogger(service.Level())

	b, err := openBackends(service)
	if err != nil {
		logger.Default().Fatalln(err)
	}
	defer b.close()

	srv := &http.Server{
		Addr:              service.Addr(),
		Handler:           newRouter(service, b),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Default().Infof("%s listening on %s", service.ServiceName, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Default().WithError(err).Errorln("http server failed")
		}
	case <-ctx.Done():
		logger.Default().Infoln("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Default().WithError(err).Errorln("shutdown failed")
		}
	}
}
