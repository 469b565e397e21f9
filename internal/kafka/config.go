package kafka

import (
	"context"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

// Brokers splits the configured bootstrap list.
func Brokers() []string {
	var brokers []string

	for _, broker := range strings.Split(config.Conf.KafkaBootstrapServer, ",") {
		broker = strings.TrimSpace(broker)
		if broker != "" {
			brokers = append(brokers, broker)
		}
	}

	return brokers
}

// newSaramaConfig returns the shared client config. SASL SCRAM-SHA-512 is
// enabled whenever a username is configured.
func newSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_8_0_0

	if config.Conf.KafkaUsername != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		cfg.Net.SASL.User = config.Conf.KafkaUsername
		cfg.Net.SASL.Password = config.Conf.KafkaPassword
		cfg.Net.SASL.Handshake = true
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{}
		}
	}

	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.ResetInvalidOffsets = true
	cfg.Consumer.Return.Errors = true

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1

	return cfg
}

// createConsumerGroup creates a consumer group with the given group ID and logs the result
func createConsumerGroup(groupID, consumerName string) (sarama.ConsumerGroup, error) {
	client, err := sarama.NewConsumerGroup(Brokers(), groupID, newSaramaConfig())
	if err != nil {
		logging.Logger.Error("Failed to create Kafka consumer group",
			zap.String("consumer", consumerName),
			zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
			zap.String("group_id", groupID),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("Successfully connected to Kafka",
		zap.String("consumer", consumerName),
		zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
		zap.String("group_id", groupID),
	)

	return client, nil
}

// runConsumerLoop rejoins the group after every rebalance or handler error
// until ctx is canceled.
func runConsumerLoop(
	ctx context.Context,
	client sarama.ConsumerGroup,
	topic string,
	handler sarama.ConsumerGroupHandler,
	consumerName string,
) {
	var waitGroup sync.WaitGroup

	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()

		topics := []string{topic}

		for {
			err := client.Consume(ctx, topics, handler)
			if err != nil {
				logging.Logger.Error("Kafka consume error",
					zap.String("consumer", consumerName),
					zap.String("error", err.Error()),
				)
			}

			if ctx.Err() != nil {
				logging.Logger.Info("Kafka consumer stopping (context canceled)",
					zap.String("consumer", consumerName),
					zap.String("error", ctx.Err().Error()),
				)

				return
			}
		}
	}()

	go func() {
		for err := range client.Errors() {
			logging.Logger.Error("Kafka consumer internal error",
				zap.String("consumer", consumerName),
				zap.String("error", err.Error()),
			)
		}
	}()

	waitGroup.Wait()
}

// Ping refreshes metadata for topic on a short-lived client.
func Ping(topic string) error {
	client, err := sarama.NewClient(Brokers(), newSaramaConfig())
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	return client.RefreshMetadata(topic)
}
