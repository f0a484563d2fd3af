package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// fakeClock lets tests drive lease expiry and backoff without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *fakeClock) NewTicker(d time.Duration) interfaces.Ticker {
	return &fakeTicker{ch: make(chan time.Time)}
}

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

// recordingListener captures dead-letter and redrive callbacks.
type recordingListener struct {
	mu         sync.Mutex
	deadFirst  []string
	redrivenID []string
}

func (l *recordingListener) DeadLettered(ctx context.Context, msg *interfaces.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadFirst = append(l.deadFirst, msg.ID)
}

func (l *recordingListener) Redriven(ctx context.Context, msg *interfaces.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redrivenID = append(l.redrivenID, msg.ID)
}

func newTestBus(t *testing.T, opts Options) (*Bus, *fakeClock) {
	t.Helper()

	dbOpts := badgerdb.DefaultOptions("").WithInMemory(true)
	dbOpts.Logger = nil
	db, err := badgerdb.Open(dbOpts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := newFakeClock()
	return New(db, opts, clock, arbor.NewLogger()), clock
}

func publish(t *testing.T, b *Bus, queue, id, jobID string, mutate func(*interfaces.Message)) {
	t.Helper()
	msg := &interfaces.Message{
		ID:    id,
		Queue: queue,
		JobID: jobID,
		Body:  []byte(`{}`),
	}
	if mutate != nil {
		mutate(msg)
	}
	require.NoError(t, b.Publish(context.Background(), msg))
}

func TestPublishRequiresQueue(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	err := b.Publish(context.Background(), &interfaces.Message{ID: "m1"})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrInvalidRequest))
}

func TestPublishPullAck(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", nil)
	publish(t, b, "work", "m2", "job_b", nil)
	publish(t, b, "work", "m3", "job_c", nil)

	deliveries, err := b.Pull(ctx, "work", "sub-1", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)

	// Same priority band, so delivery follows publish order.
	assert.Equal(t, "m1", deliveries[0].Message.ID)
	assert.Equal(t, "m2", deliveries[1].Message.ID)
	assert.Equal(t, "m3", deliveries[2].Message.ID)
	for _, d := range deliveries {
		assert.Equal(t, 1, d.Attempt)
		assert.NotEmpty(t, d.Lease.Token)
	}

	for _, d := range deliveries {
		require.NoError(t, b.Ack(ctx, d.Lease))
	}

	depth, err := b.Depth(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, interfaces.QueueDepth{}, depth)
}

func TestPublishIdempotentPerID(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", nil)
	publish(t, b, "work", "m1", "job_a", nil)

	depth, err := b.Depth(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Ready)

	deliveries, err := b.Pull(ctx, "work", "sub-1", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
}

func TestOrderingKeySerializesDelivery(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	ctx := context.Background()

	key := func(m *interfaces.Message) { m.OrderingKey = "tenant-a" }
	publish(t, b, "work", "m1", "job_a", key)
	publish(t, b, "work", "m2", "job_a", key)

	// Only the head of the key is deliverable, even with batch room.
	deliveries, err := b.Pull(ctx, "work", "sub-1", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "m1", deliveries[0].Message.ID)

	// The key has a lease out, so nothing else delivers.
	more, err := b.Pull(ctx, "work", "sub-2", 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, more)

	require.NoError(t, b.Ack(ctx, deliveries[0].Lease))

	next, err := b.Pull(ctx, "work", "sub-1", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "m2", next[0].Message.ID)
}

func TestNackedHeadKeepsOrderingKeyBlocked(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()

	key := func(m *interfaces.Message) { m.OrderingKey = "tenant-a" }
	publish(t, b, "work", "m1", "job_a", key)
	publish(t, b, "work", "m2", "job_a", key)

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, "m1", deliveries[0].Message.ID)

	require.NoError(t, b.Nack(ctx, deliveries[0].Lease, time.Minute))

	// The head is waiting out its backoff without a lease, but it still
	// owns the key: m2 must not jump ahead of it.
	blocked, err := b.Pull(ctx, "work", "sub-1", 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, blocked)

	clock.Advance(61 * time.Second)

	redelivered, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "m1", redelivered[0].Message.ID)
	assert.Equal(t, 2, redelivered[0].Attempt)
}

func TestOrderingKeyUnblocksAfterDeadLetter(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", func(m *interfaces.Message) {
		m.OrderingKey = "tenant-a"
		m.RetryPolicy = models.RetryPolicy{MaxAttempts: 1}
	})
	publish(t, b, "work", "m2", "job_a", func(m *interfaces.Message) {
		m.OrderingKey = "tenant-a"
	})

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, b.Nack(ctx, deliveries[0].Lease, time.Second))
	clock.Advance(2 * time.Second)

	// The exhausted head parks on the DLQ, releasing the key in the
	// same pull.
	next, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "m2", next[0].Message.ID)
}

func TestPriorityBandsFavorHigh(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m-low", "job_a", func(m *interfaces.Message) { m.Priority = models.PriorityLow })
	publish(t, b, "work", "m-high", "job_b", func(m *interfaces.Message) { m.Priority = models.PriorityHigh })

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "m-high", deliveries[0].Message.ID)
}

func TestNackSchedulesRedelivery(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", nil)

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, b.Nack(ctx, deliveries[0].Lease, 10*time.Second))

	// Still delayed.
	empty, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, empty)

	clock.Advance(11 * time.Second)

	redelivered, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "m1", redelivered[0].Message.ID)
	assert.Equal(t, 2, redelivered[0].Attempt)
}

func TestExpiredLeaseRedelivers(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", nil)

	first, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(31 * time.Second)

	second, err := b.Pull(ctx, "work", "sub-2", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Attempt)

	// The first lease is stale now; acking it is a conflict.
	err = b.Ack(ctx, first[0].Lease)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrConflict))

	require.NoError(t, b.Ack(ctx, second[0].Lease))
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", nil)

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	clock.Advance(20 * time.Second)
	require.NoError(t, b.Extend(ctx, deliveries[0].Lease, 30*time.Second))

	clock.Advance(25 * time.Second)

	// Without the extension the lease would have expired at +30s.
	stolen, err := b.Pull(ctx, "work", "sub-2", 1, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stolen)

	require.NoError(t, b.Ack(ctx, deliveries[0].Lease))
}

func TestExtendMeasuresFromNow(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", nil)

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	// Renew every 10s the way a worker's renewal loop does. The lease
	// must hold steady at now+30s rather than accumulate each renewal.
	for i := 0; i < 6; i++ {
		clock.Advance(10 * time.Second)
		require.NoError(t, b.Extend(ctx, deliveries[0].Lease, 30*time.Second))
	}

	// Last renewal happened at +60s, so the lease expires at +90s.
	clock.Advance(31 * time.Second)

	stolen, err := b.Pull(ctx, "work", "sub-2", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, stolen, 1)
	assert.Equal(t, "m1", stolen[0].Message.ID)
	assert.Equal(t, 2, stolen[0].Attempt)
}

func TestExtendNeverShrinksLease(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", nil)

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, b.Extend(ctx, deliveries[0].Lease, time.Second))

	clock.Advance(5 * time.Second)

	// The short extension must not truncate the original 30s deadline.
	stolen, err := b.Pull(ctx, "work", "sub-2", 1, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stolen)
}

func TestExtendRejectsNonPositive(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	err := b.Extend(context.Background(), interfaces.Lease{Queue: "work", MessageID: "m1"}, 0)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrInvalidRequest))
}

func TestDeadLetterAfterRetryBudget(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	listener := &recordingListener{}
	b.SetListener(listener)
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", func(m *interfaces.Message) {
		m.RetryPolicy = models.RetryPolicy{MaxAttempts: 2}
	})

	for attempt := 1; attempt <= 2; attempt++ {
		deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		assert.Equal(t, attempt, deliveries[0].Attempt)
		require.NoError(t, b.Nack(ctx, deliveries[0].Lease, time.Second))
		clock.Advance(2 * time.Second)
	}

	// Budget spent: the next pull parks the message instead of delivering.
	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.Equal(t, []string{"m1"}, listener.deadFirst)

	depth, err := b.Depth(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 0, depth.Ready)
	assert.Equal(t, 1, depth.DeadLettered)

	parked, err := b.DeadLetters(ctx, "work", 0)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "m1", parked[0].ID)
}

func TestRedriveRestoresRetryBudget(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	listener := &recordingListener{}
	b.SetListener(listener)
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", func(m *interfaces.Message) {
		m.RetryPolicy = models.RetryPolicy{MaxAttempts: 1}
	})

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, b.Nack(ctx, deliveries[0].Lease, time.Second))
	clock.Advance(2 * time.Second)

	empty, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, empty)

	moved, err := b.Redrive(ctx, "work", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, []string{"m1"}, listener.redrivenID)

	// Fresh budget: the message delivers again at attempt one.
	redelivered, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, 1, redelivered[0].Attempt)
}

func TestRedriveByJobID(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()

	exhaust := func(id, jobID string) {
		publish(t, b, "work", id, jobID, func(m *interfaces.Message) {
			m.RetryPolicy = models.RetryPolicy{MaxAttempts: 1}
		})
		deliveries, err := b.Pull(ctx, "work", "sub-1", 10, 30*time.Second)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		require.NoError(t, b.Nack(ctx, deliveries[0].Lease, time.Second))
		clock.Advance(2 * time.Second)
		_, err = b.Pull(ctx, "work", "sub-1", 10, 30*time.Second)
		require.NoError(t, err)
	}
	exhaust("m1", "job_a")
	exhaust("m2", "job_b")

	moved, err := b.Redrive(ctx, "work", []string{"job_a"})
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	depth, err := b.Depth(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Ready)
	assert.Equal(t, 1, depth.DeadLettered)
}

func TestBackpressureHighWater(t *testing.T) {
	b, _ := newTestBus(t, Options{HighWater: 3, LowWater: 2})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", nil)
	publish(t, b, "work", "m2", "job_b", nil)
	publish(t, b, "work", "m3", "job_c", nil)

	err := b.Publish(ctx, &interfaces.Message{ID: "m4", Queue: "work", JobID: "job_d"})
	require.ErrorIs(t, err, interfaces.ErrQueueFull)

	// Paused: still refused until drain reaches the low-water mark.
	err = b.Publish(ctx, &interfaces.Message{ID: "m5", Queue: "work", JobID: "job_e"})
	require.ErrorIs(t, err, interfaces.ErrQueueFull)

	// Republishing an existing ID adds no backlog and stays exempt.
	publish(t, b, "work", "m1", "job_a", nil)

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, b.Ack(ctx, deliveries[0].Lease))

	// Outstanding dropped to the low-water mark, so intake resumes.
	publish(t, b, "work", "m4", "job_d", nil)
}

func TestRemoveByJobSkipsLeased(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	ctx := context.Background()

	publish(t, b, "work", "m1", "job_a", nil)
	publish(t, b, "work", "m2", "job_a", nil)
	publish(t, b, "work", "m3", "job_b", nil)

	deliveries, err := b.Pull(ctx, "work", "sub-1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, "m1", deliveries[0].Message.ID)

	// m1 is leased and left alone; m2 is removed.
	removed, err := b.RemoveByJob(ctx, "work", "job_a")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	depth, err := b.Depth(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Ready)
	assert.Equal(t, 1, depth.Inflight)
}

func TestAckUnknownMessage(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	err := b.Ack(context.Background(), interfaces.Lease{Queue: "work", MessageID: "ghost", Token: "tok"})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestBackoffDelay(t *testing.T) {
	policy := models.RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: models.Duration(10 * time.Second),
		Multiplier:     2.0,
		MaxBackoff:     models.Duration(time.Minute),
	}

	tests := []struct {
		name    string
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{"first attempt", 1, 8 * time.Second, 12 * time.Second},
		{"second attempt doubles", 2, 16 * time.Second, 24 * time.Second},
		{"capped at max backoff", 10, 48 * time.Second, 72 * time.Second},
		{"attempt below one clamps", 0, 8 * time.Second, 12 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := backoffDelay(policy, tt.attempt)
			assert.GreaterOrEqual(t, d, tt.min)
			assert.LessOrEqual(t, d, tt.max)
		})
	}
}
