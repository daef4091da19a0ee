package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaDispatcher_SendsKeyedByPage(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	defer producer.Close()

	got := make(chan FeedEvent, 1)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "p1" {
			return errors.New("unexpected key " + string(key))
		}
		b, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var evt FeedEvent
		if err := json.Unmarshal(b, &evt); err != nil {
			return err
		}
		got <- evt
		return nil
	})

	d := NewKafkaDispatcher(producer, "page-events", NewSemaphoreControl(1), KafkaDispatcherOptions{QueueSize: 4, Workers: 1})
	defer d.Close()

	require.NoError(t, d.Enqueue(context.Background(), FeedEvent{EventType: FeedChatAppended, PageID: "p1", Seq: 3, MessageID: 1, Content: "hi"}))

	select {
	case evt := <-got:
		assert.Equal(t, FeedChatAppended, evt.EventType)
		assert.Equal(t, uint64(3), evt.Seq)
		assert.Equal(t, "hi", evt.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("event not sent")
	}
}

func TestKafkaDispatcher_RetriesAfterFailure(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	defer producer.Close()

	sent := make(chan struct{})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(*sarama.ProducerMessage) error {
		close(sent)
		return nil
	})

	d := NewKafkaDispatcher(producer, "page-events", nil, KafkaDispatcherOptions{
		QueueSize: 1, Workers: 1, MaxRetry: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
	})
	defer d.Close()
	require.NoError(t, d.Enqueue(context.Background(), FeedEvent{EventType: FeedPatchAccepted, PageID: "p"}))

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("event not retried")
	}
}

func TestKafkaDispatcher_EnqueueTimesOutWhenFull(t *testing.T) {
	d := &KafkaDispatcher{queue: make(chan FeedEvent, 1)}
	require.NoError(t, d.Enqueue(context.Background(), FeedEvent{PageID: "p"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Enqueue(ctx, FeedEvent{PageID: "p"}), context.DeadlineExceeded)
}

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), ErrAcquireTimeout)

	require.NoError(t, sem.Release())
	assert.ErrorIs(t, sem.Release(), ErrNotAcquired)
	assert.Equal(t, DefaultSemaphoreSize, cap(NewSemaphoreControl(0).ch))
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	defer producer.Close()

	d := NewKafkaDispatcher(producer, "page-events", NewSemaphoreControl(1), KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	d.Close()
	d.Close()
	err := d.Enqueue(context.Background(), FeedEvent{EventType: FeedPatchAccepted, PageID: "p1"})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}
