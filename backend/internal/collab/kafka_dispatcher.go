package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"chatwiki/backend/internal/metrics"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞主提交流程（只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan FeedEvent
	// Close 之后不再入队
	mu     sync.RWMutex
	closed bool

	// 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan FeedEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue 把事件放入本地队列，队列满时等到 ctx 超时。
// Kafka 不要求强一致，不是每个事件都必须送达。
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt FeedEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.FeedEventsDropped.Inc()
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		metrics.FeedEventsDropped.Inc()
		return ctx.Err()
	}
}

// Close 停止接收新事件，worker 发完队列中剩余的事件后退出
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt FeedEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sem != nil {
			_ = d.sem.Release()
		}
		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			metrics.FeedEventsDropped.Inc()
			log.Warn().Err(err).Str("page", evt.PageID).Str("type", evt.EventType).
				Uint64("seq", evt.Seq).Int("worker", workerID).Msg("kafka send failed, drop event")
			return
		}

		// 退避，每次退避时间 x2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt FeedEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.PageID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
