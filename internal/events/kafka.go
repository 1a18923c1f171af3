package events

import (
	"context"
	"encoding/json"
	"fmt"

	"supportdesk/internal/config"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaPublisher 将领域事件以 JSON 写入 Kafka，按会话 ID 分区保证单会话有序
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

// NewSaramaConfig 生产者配置
func NewSaramaConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	return sc
}

// NewKafkaPublisher 连接 broker 并创建发布器
func NewKafkaPublisher(cfg config.KafkaConfig, logger *logrus.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaPublisherWithProducer 使用已有 producer（测试注入 mocks）
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.SessionID),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send event %s: %w", e.Type, err)
	}
	p.logger.WithFields(logrus.Fields{
		"type":      e.Type,
		"partition": partition,
		"offset":    offset,
	}).Debug("event published")
	return nil
}

// Close 关闭 producer
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
