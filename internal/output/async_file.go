package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"presale/pkg/models"

	"github.com/sirupsen/logrus"
)

// AsyncFileOutput 异步文件输出器，每种数据一个JSON Lines文件
type AsyncFileOutput struct {
	outputDir string
	logger    *logrus.Logger

	// 文件句柄
	files map[string]*os.File

	// 异步写入通道
	queues map[string]chan interface{}

	// 控制通道
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// 批量写入配置
	batchSize     int
	flushInterval time.Duration
}

// NewAsyncFileOutput 创建异步文件输出器
func NewAsyncFileOutput(outputPath string, logger *logrus.Logger) (*AsyncFileOutput, error) {
	if outputPath == "" {
		outputPath = "./outputs"
	}
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	output := &AsyncFileOutput{
		outputDir:     outputPath,
		logger:        logger,
		files:         make(map[string]*os.File),
		queues:        make(map[string]chan interface{}),
		ctx:           ctx,
		cancel:        cancel,
		batchSize:     100,
		flushInterval: time.Second,
	}

	if err := output.createFiles(); err != nil {
		cancel()
		output.closeFiles()
		return nil, err
	}

	// 使用缓冲通道提高性能
	for kind := range output.files {
		output.queues[kind] = make(chan interface{}, 1000)
	}
	output.startWorkers()

	logger.Infof("异步文件输出器已初始化，目录: %s", outputPath)
	return output, nil
}

// createFiles 创建输出文件
func (o *AsyncFileOutput) createFiles() error {
	timestamp := time.Now().Format("20060102_150405")

	for _, kind := range []string{KindSnapshots, KindSessionEvents, KindTransactions} {
		fileName := fmt.Sprintf("%s_%s.jsonl", kind, timestamp)
		file, err := os.Create(filepath.Join(o.outputDir, fileName))
		if err != nil {
			return fmt.Errorf("创建文件 %s 失败: %w", fileName, err)
		}
		o.files[kind] = file
	}
	return nil
}

// Path 某类数据的输出文件路径
func (o *AsyncFileOutput) Path(kind string) string {
	if file, ok := o.files[kind]; ok {
		return file.Name()
	}
	return ""
}

func (o *AsyncFileOutput) startWorkers() {
	for kind, queue := range o.queues {
		o.wg.Add(1)
		go o.writer(kind, queue, o.files[kind])
	}
}

// writer 批量写入工作器，退出前写完通道中剩余的数据
func (o *AsyncFileOutput) writer(kind string, queue chan interface{}, file *os.File) {
	defer o.wg.Done()

	batch := make([]interface{}, 0, o.batchSize)
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case item := <-queue:
			batch = append(batch, item)
			if len(batch) >= o.batchSize {
				o.flushBatch(kind, file, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				o.flushBatch(kind, file, batch)
				batch = batch[:0]
			}

		case <-o.ctx.Done():
			for {
				select {
				case item := <-queue:
					batch = append(batch, item)
				default:
					if len(batch) > 0 {
						o.flushBatch(kind, file, batch)
					}
					return
				}
			}
		}
	}
}

// flushBatch 批量写入并刷盘
func (o *AsyncFileOutput) flushBatch(kind string, file *os.File, batch []interface{}) {
	for _, item := range batch {
		data, err := json.Marshal(item)
		if err != nil {
			o.logger.Errorf("序列化 %s 数据失败: %v", kind, err)
			continue
		}

		data = append(data, '\n')
		if _, err := file.Write(data); err != nil {
			o.logger.Errorf("写入 %s 文件失败: %v", kind, err)
		}
	}

	if err := file.Sync(); err != nil {
		o.logger.Errorf("刷新 %s 文件失败: %v", kind, err)
	}
}

// enqueue 放入写入队列，队列满时返回错误而不阻塞
func (o *AsyncFileOutput) enqueue(kind string, item interface{}) error {
	select {
	case <-o.ctx.Done():
		return fmt.Errorf("文件输出器已关闭")
	default:
	}

	select {
	case o.queues[kind] <- item:
		return nil
	default:
		return fmt.Errorf("%s 写入队列已满", kind)
	}
}

// WriteSnapshot 异步写入快照
func (o *AsyncFileOutput) WriteSnapshot(snapshot *models.PresaleSnapshot) error {
	if snapshot == nil {
		return nil
	}
	return o.enqueue(KindSnapshots, snapshot)
}

// WriteSessionEvent 异步写入会话事件
func (o *AsyncFileOutput) WriteSessionEvent(ev *models.SessionEvent) error {
	if ev == nil {
		return nil
	}
	return o.enqueue(KindSessionEvents, ev)
}

// WriteTransaction 异步写入交易记录
func (o *AsyncFileOutput) WriteTransaction(record *models.TxRecord) error {
	if record == nil {
		return nil
	}
	return o.enqueue(KindTransactions, record)
}

// Close 写完剩余数据并关闭文件，可重复调用
func (o *AsyncFileOutput) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.cancel()
		o.wg.Wait()
		err = o.closeFiles()
		o.logger.Info("异步文件输出器已关闭")
	})
	return err
}

func (o *AsyncFileOutput) closeFiles() error {
	var errs []error
	for kind, file := range o.files {
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭 %s 文件失败: %w", kind, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}
