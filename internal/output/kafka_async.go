package output

import (
	"context"
	"fmt"
	"sync"
	"time"

	"presale/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaOutput 异步Kafka输出器
type AsyncKafkaOutput struct {
	logger    *logrus.Logger
	topics    map[string]string
	producer  sarama.AsyncProducer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// 统计信息
	sentCount  int64
	errorCount int64
	mu         sync.RWMutex
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v", brokers)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Version = sarama.V2_8_0_0

	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Compression = sarama.CompressionSnappy
	config.ChannelBufferSize = 1000

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	logger.Info("异步Kafka生产者已创建并启动")
	return NewAsyncKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewAsyncKafkaOutputWithProducer 使用已有的异步生产者创建输出器
// 生产者需开启 Return.Successes 与 Return.Errors
func NewAsyncKafkaOutputWithProducer(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *AsyncKafkaOutput {
	ctx, cancel := context.WithCancel(context.Background())

	k := &AsyncKafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
		ctx:      ctx,
		cancel:   cancel,
	}

	k.wg.Add(3)
	go k.handleSuccesses()
	go k.handleErrors()
	go k.reportStats()
	return k
}

// handleSuccesses 处理成功发送的消息，直到生产者关闭通道
func (k *AsyncKafkaOutput) handleSuccesses() {
	defer k.wg.Done()

	for success := range k.producer.Successes() {
		k.mu.Lock()
		k.sentCount++
		k.mu.Unlock()

		k.logger.Debugf("消息成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
}

// handleErrors 处理发送失败的消息
func (k *AsyncKafkaOutput) handleErrors() {
	defer k.wg.Done()

	for err := range k.producer.Errors() {
		k.mu.Lock()
		k.errorCount++
		k.mu.Unlock()

		k.logger.Errorf("Kafka发送失败: topic=%s, error=%v", err.Msg.Topic, err.Err)
	}
}

// reportStats 定期报告统计信息
func (k *AsyncKafkaOutput) reportStats() {
	defer k.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, failed := k.Stats()
			if sent > 0 || failed > 0 {
				successRate := float64(sent) / float64(sent+failed) * 100
				k.logger.Infof("Kafka统计: 已发送 %d 条消息, 失败 %d 条, 成功率 %.2f%%",
					sent, failed, successRate)
			}
		case <-k.ctx.Done():
			return
		}
	}
}

// Stats 已确认发送与失败的消息数
func (k *AsyncKafkaOutput) Stats() (sent, failed int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sentCount, k.errorCount
}

func (k *AsyncKafkaOutput) send(kind, key string, data interface{}) error {
	msg, err := newMessage(topicFor(k.topics, kind), key, data)
	if err != nil {
		return err
	}

	select {
	case <-k.ctx.Done():
		return fmt.Errorf("Kafka生产者已关闭")
	default:
	}

	select {
	case k.producer.Input() <- msg:
		return nil
	default:
		return fmt.Errorf("Kafka生产者输入通道已满")
	}
}

// WriteSnapshot 异步写入快照
func (k *AsyncKafkaOutput) WriteSnapshot(snapshot *models.PresaleSnapshot) error {
	if snapshot == nil {
		return nil
	}
	return k.send(KindSnapshots, "", snapshot)
}

// WriteSessionEvent 异步写入会话事件
func (k *AsyncKafkaOutput) WriteSessionEvent(ev *models.SessionEvent) error {
	if ev == nil {
		return nil
	}
	return k.send(KindSessionEvents, ev.Session.SessionID, ev)
}

// WriteTransaction 异步写入交易记录
func (k *AsyncKafkaOutput) WriteTransaction(record *models.TxRecord) error {
	if record == nil {
		return nil
	}
	return k.send(KindTransactions, record.From, record)
}

// Close 关闭生产者并等待回执处理完毕，可重复调用
func (k *AsyncKafkaOutput) Close() error {
	k.closeOnce.Do(func() {
		k.cancel()
		// AsyncClose 会在发送完缓冲消息后关闭 Successes 与 Errors 通道
		k.producer.AsyncClose()
		k.wg.Wait()

		sent, failed := k.Stats()
		k.logger.Infof("异步Kafka输出器已关闭，共发送 %d 条，失败 %d 条", sent, failed)
	})
	return nil
}
