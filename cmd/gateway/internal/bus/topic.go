package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/pkg/config"
)

var ErrTopicNotReady = errors.New("bus: topic not ready")

// TopicSpec is the layout the mirror topic is created with.
type TopicSpec struct {
	Name        string
	Partitions  int
	Replication int
}

func TopicSpecFromConfig(c config.KafkaConfig) TopicSpec {
	spec := TopicSpec{Name: c.Topic, Partitions: c.Partitions, Replication: c.ReplicationFactor}
	if spec.Partitions <= 0 {
		spec.Partitions = 4
	}
	if spec.Replication <= 0 {
		spec.Replication = 1
	}
	return spec
}

type TopicCreator struct {
	logger *zap.Logger
	dialer KafkaDialer
	clock  Clock

	readyPolls int
	pollEvery  time.Duration
}

func NewTopicCreator(logger *zap.Logger, dialer KafkaDialer, clock Clock) *TopicCreator {
	return &TopicCreator{
		logger:     logger,
		dialer:     dialer,
		clock:      clock,
		readyPolls: 5,
		pollEvery:  200 * time.Millisecond,
	}
}

// Ensure makes sure spec.Name exists with at least one partition. An
// existing topic is left as is, even when its layout differs from spec.
func (tc *TopicCreator) Ensure(ctx context.Context, brokers []string, spec TopicSpec) error {
	conn, err := tc.dialAny(ctx, brokers)
	if err != nil {
		return err
	}
	defer conn.Close()

	if parts, err := conn.ReadPartitions(spec.Name); err == nil && len(parts) > 0 {
		if len(parts) != spec.Partitions {
			tc.logger.Warn("Topic exists with a different partition count",
				zap.String("topic", spec.Name),
				zap.Int("have", len(parts)),
				zap.Int("want", spec.Partitions))
		}
		tc.logger.Info("Topic already present", zap.String("topic", spec.Name), zap.Int("partitions", len(parts)))
		return nil
	}

	if err := tc.create(ctx, conn, spec); err != nil {
		return err
	}
	return tc.waitForTopic(ctx, conn, spec.Name)
}

func (tc *TopicCreator) dialAny(ctx context.Context, brokers []string) (KafkaConn, error) {
	err := errors.New("no brokers configured")
	for _, addr := range brokers {
		conn, dialErr := tc.dialer.DialContext(ctx, "tcp", addr)
		if dialErr == nil {
			return conn, nil
		}
		tc.logger.Debug("Broker dial failed", zap.String("broker", addr), zap.Error(dialErr))
		err = dialErr
	}
	return nil, fmt.Errorf("dial brokers: %w", err)
}

// create sends the request to the cluster controller.
func (tc *TopicCreator) create(ctx context.Context, conn KafkaConn, spec TopicSpec) error {
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	cc, err := tc.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", addr, err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             spec.Name,
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.Replication,
	})
	switch {
	case errors.Is(err, kafka.TopicAlreadyExists):
		tc.logger.Info("Topic created concurrently", zap.String("topic", spec.Name))
	case err != nil:
		return fmt.Errorf("create topic %s: %w", spec.Name, err)
	default:
		tc.logger.Info("Topic created",
			zap.String("topic", spec.Name),
			zap.Int("partitions", spec.Partitions),
			zap.Int("replication", spec.Replication))
	}
	return nil
}

func (tc *TopicCreator) waitForTopic(ctx context.Context, conn KafkaConn, topic string) error {
	for i := 0; i < tc.readyPolls; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tc.clock.Sleep(tc.pollEvery)
		parts, err := conn.ReadPartitions(topic)
		if err == nil && len(parts) > 0 {
			tc.logger.Info("Topic is ready", zap.String("topic", topic), zap.Int("partitions", len(parts)))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTopicNotReady, topic)
}
