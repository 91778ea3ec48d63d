package output

import (
	"fmt"

	"presale/internal/config"
	"presale/pkg/models"

	"github.com/sirupsen/logrus"
)

// 数据类型，同时作为文件名前缀与Kafka主题映射的键
const (
	KindSnapshots     = "snapshots"
	KindSessionEvents = "session_events"
	KindTransactions  = "transactions"
)

// Output 输出接口
type Output interface {
	WriteSnapshot(snapshot *models.PresaleSnapshot) error
	WriteSessionEvent(ev *models.SessionEvent) error
	WriteTransaction(record *models.TxRecord) error
	Close() error
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NopOutput{}, nil
	}

	switch cfg.Format {
	case "", "none":
		return NopOutput{}, nil
	case "file":
		return NewAsyncFileOutput(cfg.Directory, logger)
	case "kafka", "kafka_async":
		brokers := []string{"localhost:9092"}
		topics := config.DefaultKafkaTopics()
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			for kind, topic := range cfg.Kafka.Topics {
				topics[kind] = topic
			}
		}
		if cfg.Format == "kafka_async" {
			return NewAsyncKafkaOutput(brokers, topics, logger)
		}
		return NewKafkaOutput(brokers, topics, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// NopOutput 丢弃所有数据
type NopOutput struct{}

func (NopOutput) WriteSnapshot(*models.PresaleSnapshot) error { return nil }
func (NopOutput) WriteSessionEvent(*models.SessionEvent) error { return nil }
func (NopOutput) WriteTransaction(*models.TxRecord) error      { return nil }
func (NopOutput) Close() error                                 { return nil }

// topicFor 查找数据类型对应的主题，未配置时使用默认主题
func topicFor(topics map[string]string, kind string) string {
	if topic, ok := topics[kind]; ok && topic != "" {
		return topic
	}
	return config.DefaultKafkaTopics()[kind]
}
