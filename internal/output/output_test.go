package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"presale/internal/config"
	"presale/pkg/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/ethereum/go-ethereum/event"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func readySnapshot(seq uint64) models.PresaleSnapshot {
	return models.PresaleSnapshot{
		Config:   &models.PresaleConfig{StartTime: 1, EndTime: 2, HardCap: decimal.NewFromInt(10)},
		Counters: &models.PresaleCounters{TokensSold: decimal.NewFromInt(int64(seq))},
		Status:   models.StatusActive,
		Sequence: seq,
	}
}

func TestNewOutput_Formats(t *testing.T) {
	out, err := NewOutput(nil, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, NopOutput{}, out)

	out, err = NewOutput(&config.OutputConfig{Format: "none"}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, NopOutput{}, out)

	out, err = NewOutput(&config.OutputConfig{Format: "file", Directory: t.TempDir()}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &AsyncFileOutput{}, out)
	require.NoError(t, out.Close())

	_, err = NewOutput(&config.OutputConfig{Format: "csv"}, quietLogger())
	assert.Error(t, err)
}

func TestAsyncFileOutput_WritesJSONLines(t *testing.T) {
	out, err := NewAsyncFileOutput(t.TempDir(), quietLogger())
	require.NoError(t, err)

	snap := readySnapshot(3)
	require.NoError(t, out.WriteSnapshot(&snap))
	require.NoError(t, out.WriteSessionEvent(&models.SessionEvent{
		Type:    models.SessionEventConnected,
		Session: models.WalletSession{Address: "0xabc", ChainID: "0x61", IsTargetChain: true},
	}))
	require.NoError(t, out.WriteTransaction(&models.TxRecord{ID: "tx-1", Operation: "contribute", Status: models.TxStatusSuccess}))
	require.NoError(t, out.WriteTransaction(&models.TxRecord{ID: "tx-2", Operation: "claim", Status: models.TxStatusRejected}))
	require.NoError(t, out.WriteTransaction(nil))

	require.NoError(t, out.Close())
	require.NoError(t, out.Close())

	snaps := readLines(t, out.Path(KindSnapshots))
	require.Len(t, snaps, 1)
	assert.Equal(t, float64(3), snaps[0]["sequence"])

	events := readLines(t, out.Path(KindSessionEvents))
	require.Len(t, events, 1)
	assert.Equal(t, "connected", events[0]["type"])

	txs := readLines(t, out.Path(KindTransactions))
	require.Len(t, txs, 2)
	assert.Equal(t, "tx-1", txs[0]["id"])
	assert.Equal(t, "rejected", txs[1]["status"])

	assert.Error(t, out.WriteSnapshot(&snap), "关闭后不再接受写入")
}

type recordingOutput struct {
	mu        sync.Mutex
	snapshots []uint64
	events    []string
}

func (r *recordingOutput) WriteSnapshot(s *models.PresaleSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s.Sequence)
	return nil
}

func (r *recordingOutput) WriteSessionEvent(ev *models.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Type)
	return errors.New("下游不可用")
}

func (r *recordingOutput) WriteTransaction(*models.TxRecord) error { return nil }
func (r *recordingOutput) Close() error                            { return nil }

func (r *recordingOutput) state() ([]uint64, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.snapshots...), append([]string(nil), r.events...)
}

type snapshotFeed struct{ feed event.Feed }

func (f *snapshotFeed) Subscribe(ch chan<- models.PresaleSnapshot) event.Subscription {
	return f.feed.Subscribe(ch)
}

type sessionFeed struct{ feed event.Feed }

func (f *sessionFeed) Subscribe(ch chan<- models.SessionEvent) event.Subscription {
	return f.feed.Subscribe(ch)
}

func TestForwarder_WritesCompletedSnapshotsOnce(t *testing.T) {
	out := &recordingOutput{}
	snaps := &snapshotFeed{}
	sessions := &sessionFeed{}
	fw := NewForwarder(out, snaps, sessions, quietLogger())

	loading := readySnapshot(1)
	loading.Loading = true
	snaps.feed.Send(loading)
	snaps.feed.Send(readySnapshot(1))
	snaps.feed.Send(readySnapshot(1))
	snaps.feed.Send(models.PresaleSnapshot{Sequence: 2, Error: "boom"})
	snaps.feed.Send(readySnapshot(3))
	sessions.feed.Send(models.SessionEvent{Type: models.SessionEventAccountsChanged})

	assert.Eventually(t, func() bool {
		written, events := out.state()
		return len(written) == 2 && len(events) == 1
	}, time.Second, 5*time.Millisecond)

	fw.Stop()
	fw.Stop()

	written, events := out.state()
	assert.Equal(t, []uint64{1, 3}, written)
	assert.Equal(t, []string{"accounts_changed"}, events)
}

func TestKafkaOutput_RoutesTopicsAndKeys(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "custom_tx" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "0xabc" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "presale_snapshots" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	out := NewKafkaOutputWithProducer(producer, map[string]string{KindTransactions: "custom_tx"}, quietLogger())

	require.NoError(t, out.WriteTransaction(&models.TxRecord{ID: "tx", From: "0xabc"}))
	snap := readySnapshot(1)
	require.NoError(t, out.WriteSnapshot(&snap))
	assert.Error(t, out.WriteSessionEvent(&models.SessionEvent{Type: models.SessionEventDisconnected}))

	require.NoError(t, out.Close())
}

func TestAsyncKafkaOutput_CountsDeliveries(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	producer := mocks.NewAsyncProducer(t, cfg)
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	out := NewAsyncKafkaOutputWithProducer(producer, config.DefaultKafkaTopics(), quietLogger())

	snap := readySnapshot(1)
	require.NoError(t, out.WriteSnapshot(&snap))
	require.NoError(t, out.WriteTransaction(&models.TxRecord{ID: "tx"}))
	require.NoError(t, out.Close())

	sent, failed := out.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Equal(t, int64(1), failed)

	assert.Error(t, out.WriteSnapshot(&snap))
}
