package output

import (
	"encoding/json"
	"fmt"
	"time"

	"presale/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有的生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

// newMessage 序列化为Kafka消息，key 用于同一会话或地址的消息落在同一分区
func newMessage(topic, key string, data interface{}) (*sarama.ProducerMessage, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(jsonData),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	return msg, nil
}

func (k *KafkaOutput) send(kind, key string, data interface{}) error {
	msg, err := newMessage(topicFor(k.topics, kind), key, data)
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("成功发送数据到Kafka topic '%s' (partition: %d, offset: %d)", msg.Topic, partition, offset)
	return nil
}

// WriteSnapshot 写入快照
func (k *KafkaOutput) WriteSnapshot(snapshot *models.PresaleSnapshot) error {
	if snapshot == nil {
		return nil
	}
	return k.send(KindSnapshots, "", snapshot)
}

// WriteSessionEvent 写入会话事件
func (k *KafkaOutput) WriteSessionEvent(ev *models.SessionEvent) error {
	if ev == nil {
		return nil
	}
	return k.send(KindSessionEvents, ev.Session.SessionID, ev)
}

// WriteTransaction 写入交易记录
func (k *KafkaOutput) WriteTransaction(record *models.TxRecord) error {
	if record == nil {
		return nil
	}
	return k.send(KindTransactions, record.From, record)
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
