// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

//go:build integration

// Package test holds the integration tests. They start Postgres and Kafka with testcontainers
// and need a docker daemon:
//
//	go test -tags integration ./test/...
package test

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/slopewatch/core/access"
	"github.com/relabs-tech/slopewatch/core/client"
	"github.com/relabs-tech/slopewatch/core/csql"
	"github.com/relabs-tech/slopewatch/core/logger"
	"github.com/relabs-tech/slopewatch/iot/broker"
	"github.com/relabs-tech/slopewatch/iot/bus"
	"github.com/relabs-tech/slopewatch/iot/commands"
	"github.com/relabs-tech/slopewatch/iot/registry"
)

// CommandTopic is the topic the suite publishes commands to
const CommandTopic = "device.commands.v1"

// InternalPassword is the password of the internal MQTT principal of the suite
const InternalPassword = "ingest-secret"

// IntegrationTestSuite runs the device and command routes against real Postgres and Kafka
type IntegrationTestSuite struct {
	suite.Suite

	network            testcontainers.Network
	zookeeperContainer testcontainers.Container
	kafkaContainer     testcontainers.Container
	postgresContainer  testcontainers.Container
	kafkaConn          *kafka.Conn
	kafkaAddr          string

	db        *csql.DB
	devices   *registry.PostgresStore
	publisher *bus.KafkaPublisher
	router    *mux.Router
	client    client.Client
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

// NewReader returns a reader of the command topic starting at the first offset
func (s *IntegrationTestSuite) NewReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{s.kafkaAddr},
		Topic:     CommandTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1 << 20,
		MaxWait:   500 * time.Millisecond,
	})
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "slopewatch-test_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor:     wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.zookeeperContainer = zooC

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_INTER_BROKER_LISTENER_NAME":       "EXTERNAL",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(CommandTopic, 1))

	s.db = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "slopewatch")
	s.devices = registry.NewPostgresStore(s.db)
	s.devices.MustMigrate()
	commandStore := commands.NewPostgresStore(s.db)
	commandStore.MustMigrate()

	s.publisher = bus.NewKafkaPublisher(&bus.Builder{Brokers: []string{s.kafkaAddr}, Topic: CommandTopic})
	s.Require().NotNil(s.publisher)

	gate := access.Gate{Required: true}
	s.router = mux.NewRouter()
	logger.AddRequestID(s.router)
	broker.New(&broker.Builder{
		Devices:          s.devices,
		InternalUsername: "ingest-service",
		InternalPassword: InternalPassword,
	}).HandleRoutes(s.router)
	apiRouter := s.router.PathPrefix("/api/v1").Subrouter()
	registry.New(&registry.Builder{Store: s.devices, Gate: gate}).HandleRoutes(apiRouter)
	commands.New(&commands.Builder{
		Store:          commandStore,
		Devices:        s.devices,
		Publisher:      s.publisher,
		PublishTimeout: 10 * time.Second,
		Gate:           gate,
	}).HandleRoutes(apiRouter)
	s.client = client.NewWithRouter(s.router).WithAdminAuthorization()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.publisher != nil {
		s.NoError(s.publisher.Close())
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.db != nil {
		s.db.ClearSchema()
		s.db.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeperContainer, s.postgresContainer} {
		if c != nil {
			s.NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.NoError(s.network.Remove(ctx))
	}
}
