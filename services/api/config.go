// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/slopewatch/iot/bus"
	"github.com/relabs-tech/slopewatch/telemetry"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	ServiceName string `env:"SERVICE_NAME,default=api-service" description:"service name in logs and the health route"`
	Host        string `env:"API_HOST,default=0.0.0.0" description:"the address the http server binds to"`
	Port        int    `env:"API_PORT,default=8080" description:"the port the http server listens on"`
	LogLevel    string `env:"LOG_LEVEL,default=info" description:"the log level, one of trace, debug, info, warn, error"`

	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=public" description:"the schema of all tables"`
	PostgresPoolMax  int    `env:"POSTGRES_POOL_MAX,default=10" description:"max open connections to Postgres"`

	ClickHouseURL      string `env:"CLICKHOUSE_URL" description:"the clickhouse DSN, e.g. clickhouse://localhost:9000"`
	ClickHouseUsername string `env:"CLICKHOUSE_USERNAME,default=default" description:"clickhouse user"`
	ClickHousePassword string `env:"CLICKHOUSE_PASSWORD" description:"clickhouse password"`
	ClickHouseDatabase string `env:"CLICKHOUSE_DATABASE,default=landslide" description:"database of the telemetry table"`
	ClickHouseTable    string `env:"CLICKHOUSE_TABLE,default=telemetry_raw" description:"the telemetry table"`
	ClickHousePoolMax  int    `env:"CLICKHOUSE_POOL_MAX,default=10" description:"max open connections to clickhouse"`

	KafkaBrokers         string        `env:"KAFKA_BROKERS" description:"comma separated list of Kafka brokers"`
	KafkaCommandTopic    string        `env:"KAFKA_TOPIC_DEVICE_COMMANDS,default=device.commands.v1" description:"the topic device commands are published to"`
	KafkaPublishTimeout  time.Duration `env:"KAFKA_PUBLISH_TIMEOUT,default=5s" description:"deadline of a command publish"`
	EmqxWebhookToken     string        `env:"EMQX_WEBHOOK_TOKEN" description:"if set, EMQX must send it in the X-Emqx-Token header"`
	EmqxWebhookTimeout   time.Duration `env:"EMQX_WEBHOOK_TIMEOUT,default=2s" description:"deadline of the registry lookups of the webhooks"`
	MqttInternalUsername string        `env:"MQTT_INTERNAL_USERNAME,default=ingest-service" description:"the internal MQTT principal"`
	MqttInternalPassword string        `env:"MQTT_INTERNAL_PASSWORD" description:"password of the internal MQTT principal, the principal is disabled without"`
	AuthRequired         bool          `env:"AUTH_REQUIRED,default=true" description:"enforce capabilities on the api routes"`
	JwtSecret            string        `env:"JWT_SECRET" description:"HS256 key of bearer tokens"`
	AdminAPIToken        string        `env:"ADMIN_API_TOKEN" description:"static bearer token granting all capabilities"`
	MaxSeriesRangeHours  int           `env:"API_MAX_SERIES_RANGE_HOURS,default=168" description:"longest time range of telemetry queries"`
	MaxPoints            int           `env:"API_MAX_POINTS,default=100000" description:"largest number of points of a series"`
	MaxExportRows        int           `env:"API_MAX_EXPORT_ROWS,default=100000" description:"largest number of rows of an export"`
	MaxExportDevices     int           `env:"API_MAX_EXPORT_DEVICES,default=200" description:"largest number of devices of station queries"`
}

// LoadService reads the configuration from the environment
func LoadService() (*Service, error) {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		return nil, err
	}
	if _, err := logrus.ParseLevel(service.LogLevel); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if service.Port <= 0 || service.Port > 65535 {
		return nil, fmt.Errorf("API_PORT: %d out of range", service.Port)
	}
	return service, nil
}

// Level returns the parsed log level
func (s *Service) Level() logrus.Level {
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Addr returns the listen address of the http server
func (s *Service) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Brokers returns the Kafka brokers, empty if Kafka is not configured
func (s *Service) Brokers() []string {
	return bus.ParseBrokers(s.KafkaBrokers)
}

// ClickHouse returns the telemetry store configuration
func (s *Service) ClickHouse() telemetry.ClickHouseConfig {
	return telemetry.ClickHouseConfig{
		URL:      s.ClickHouseURL,
		Username: s.ClickHouseUsername,
		Password: s.ClickHousePassword,
		Database: s.ClickHouseDatabase,
		Table:    s.ClickHouseTable,
		PoolMax:  s.ClickHousePoolMax,
	}
}
