package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/backend/internal/domain"
)

func testJob(id string, priority domain.Priority) *domain.EmailJob {
	return domain.NewEmailJob(id, "sender@example.com", []string{"rcpt@example.com"}, []byte("body"), priority, 3)
}

func TestJobQueuePriorityOrder(t *testing.T) {
	q := newJobQueue(10)

	require.NoError(t, q.Enqueue(testJob("normal-1", domain.PriorityNormal)))
	require.NoError(t, q.Enqueue(testJob("low-1", domain.PriorityLow)))
	require.NoError(t, q.Enqueue(testJob("high-1", domain.PriorityHigh)))
	require.NoError(t, q.Enqueue(testJob("normal-2", domain.PriorityNormal)))

	var order []string
	for i := 0; i < 4; i++ {
		job, ok := q.Dequeue()
		require.True(t, ok)
		order = append(order, job.ID)
	}

	assert.Equal(t, []string{"high-1", "normal-1", "normal-2", "low-1"}, order)
	assert.Equal(t, 0, q.Len())
}

func TestJobQueueCapacity(t *testing.T) {
	q := newJobQueue(2)

	require.NoError(t, q.Enqueue(testJob("a", domain.PriorityNormal)))
	require.NoError(t, q.Enqueue(testJob("b", domain.PriorityNormal)))

	err := q.Enqueue(testJob("c", domain.PriorityNormal))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	// 出队腾出空位后可以继续入队
	_, ok := q.Dequeue()
	require.True(t, ok)
	assert.NoError(t, q.Enqueue(testJob("c", domain.PriorityNormal)))
}

func TestJobQueueClose(t *testing.T) {
	t.Run("关闭后拒绝新任务", func(t *testing.T) {
		q := newJobQueue(10)
		q.Close()
		assert.ErrorIs(t, q.Enqueue(testJob("a", domain.PriorityNormal)), ErrRelayStopped)
	})

	t.Run("关闭后仍可取出已入队任务", func(t *testing.T) {
		q := newJobQueue(10)
		require.NoError(t, q.Enqueue(testJob("a", domain.PriorityNormal)))
		require.NoError(t, q.Enqueue(testJob("b", domain.PriorityNormal)))
		q.Close()

		job, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "a", job.ID)

		job, ok = q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "b", job.ID)

		_, ok = q.Dequeue()
		assert.False(t, ok)
	})

	t.Run("关闭唤醒阻塞中的消费者", func(t *testing.T) {
		q := newJobQueue(10)
		done := make(chan bool, 1)
		go func() {
			_, ok := q.Dequeue()
			done <- ok
		}()

		time.Sleep(20 * time.Millisecond)
		q.Close()

		select {
		case ok := <-done:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("Dequeue did not return after Close")
		}
	})
}

func TestJobQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newJobQueue(10)
	got := make(chan *domain.EmailJob, 1)
	go func() {
		job, _ := q.Dequeue()
		got <- job
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(testJob("late", domain.PriorityNormal)))

	select {
	case job := <-got:
		require.NotNil(t, job)
		assert.Equal(t, "late", job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake up after Enqueue")
	}
}
