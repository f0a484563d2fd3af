// -----------------------------------------------------------------------
// Dispatch Bus - durable typed queues over Badger with ordered delivery,
// priority bands, ack leases, and dead-letter routing
// -----------------------------------------------------------------------

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// Listener receives bus lifecycle notifications. The app wires a listener
// that mirrors dead-letter transitions into the metadata store and the
// event stream; the bus itself never touches collections.
type Listener interface {
	DeadLettered(ctx context.Context, msg *interfaces.Message)
	Redriven(ctx context.Context, msg *interfaces.Message)
}

// Options tunes one Bus instance. Zero values fall back to the defaults
// the config layer ships.
type Options struct {
	MaxAttempts       int
	HighWater         int
	LowWater          int
	AntiStarvationAge time.Duration
	WeightHigh        int
	WeightNormal      int
	WeightLow         int
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HighWater <= 0 {
		o.HighWater = 10000
	}
	if o.LowWater <= 0 || o.LowWater > o.HighWater {
		o.LowWater = o.HighWater * 4 / 5
	}
	if o.AntiStarvationAge <= 0 {
		o.AntiStarvationAge = 10 * time.Minute
	}
	if o.WeightHigh <= 0 {
		o.WeightHigh = 8
	}
	if o.WeightNormal <= 0 {
		o.WeightNormal = 4
	}
	if o.WeightLow <= 0 {
		o.WeightLow = 1
	}
	return o
}

// storedMessage is the on-disk shape: the wire message plus bus-internal
// bookkeeping. Seq fixes publish order; LeaseDeadline mirrors VisibleAt
// for leased messages so expiry is explicit.
type storedMessage struct {
	interfaces.Message
	Seq           uint64     `json:"seq"`
	LeaseDeadline *time.Time `json:"lease_deadline,omitempty"`
	Subscriber    string     `json:"subscriber,omitempty"`
}

// queueState carries the per-queue flow-control counter, stored under one
// key and mutated inside the same transaction as the message write so the
// count can never drift from the keyspace.
type queueState struct {
	Outstanding int  `json:"outstanding"`
	Paused      bool `json:"paused"`
}

// Bus implements interfaces.MessageBus on a dedicated Badger keyspace.
// All local subscribers share the process, so a mutex serializes pulls;
// durability and crash recovery come from the transactions.
type Bus struct {
	db       *badgerdb.DB
	opts     Options
	clock    interfaces.Clock
	logger   arbor.ILogger
	listener Listener

	mu      sync.Mutex
	lastSeq uint64

	// wrr holds the weighted round-robin credit per priority band,
	// replenished when all bands are spent.
	wrrMu   sync.Mutex
	credits [3]int
}

var _ interfaces.MessageBus = (*Bus)(nil)

// New creates a Bus over an open Badger instance. The keyspace is
// prefixed so it can share the database with the document store.
func New(db *badgerdb.DB, opts Options, clock interfaces.Clock, logger arbor.ILogger) *Bus {
	b := &Bus{
		db:     db,
		opts:   opts.normalized(),
		clock:  clock,
		logger: logger,
	}
	b.replenishCredits()
	return b
}

// SetListener wires the dead-letter/redrive observer. Must be called
// before traffic starts.
func (b *Bus) SetListener(l Listener) {
	b.listener = l
}

func msgKey(queue, id string) []byte {
	return []byte("bus:" + queue + ":msg:" + id)
}

func dlqKey(queue, id string) []byte {
	return []byte("bus:" + queue + ":dlq:" + id)
}

func stateKey(queue string) []byte {
	return []byte("bus:" + queue + ":state")
}

func msgPrefix(queue string) []byte {
	return []byte("bus:" + queue + ":msg:")
}

func dlqPrefix(queue string) []byte {
	return []byte("bus:" + queue + ":dlq:")
}

// nextSeq issues a process-monotonic publish sequence. Nanosecond wall
// time seeds it so sequences stay ordered across restarts.
func (b *Bus) nextSeq() uint64 {
	for {
		last := atomic.LoadUint64(&b.lastSeq)
		next := uint64(b.clock.Now().UnixNano())
		if next <= last {
			next = last + 1
		}
		if atomic.CompareAndSwapUint64(&b.lastSeq, last, next) {
			return next
		}
	}
}

func (b *Bus) Publish(ctx context.Context, msg *interfaces.Message) error {
	if msg.Queue == "" {
		return models.NewError(models.ErrInvalidRequest, "message requires a queue")
	}
	if msg.ID == "" {
		msg.ID = common.NewLeaseToken()
	}
	msg.RetryPolicy = msg.RetryPolicy.Normalize()

	now := b.clock.Now()
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		state, err := b.readState(txn, msg.Queue)
		if err != nil {
			return err
		}

		// Republishing an existing ID is an idempotent overwrite, exempt
		// from flow control since it adds no new backlog.
		existing, err := b.readMessage(txn, msgKey(msg.Queue, msg.ID))
		if err != nil {
			return err
		}
		if existing == nil {
			if state.Paused && state.Outstanding > b.opts.LowWater {
				return interfaces.ErrQueueFull
			}
			if state.Outstanding >= b.opts.HighWater {
				state.Paused = true
				if err := b.writeState(txn, msg.Queue, state); err != nil {
					return err
				}
				return interfaces.ErrQueueFull
			}
			state.Outstanding++
			state.Paused = state.Paused && state.Outstanding > b.opts.LowWater
			if err := b.writeState(txn, msg.Queue, state); err != nil {
				return err
			}
		}

		stored := &storedMessage{Message: *msg}
		stored.EnqueuedAt = now
		if existing != nil {
			stored.Seq = existing.Seq
			stored.ReceiveCount = existing.ReceiveCount
		} else {
			stored.Seq = b.nextSeq()
		}
		if stored.VisibleAt.IsZero() {
			stored.VisibleAt = now
		}
		stored.LeaseToken = ""
		stored.LeaseDeadline = nil

		return b.writeMessage(txn, msgKey(msg.Queue, msg.ID), stored)
	})
	if err != nil {
		if err == interfaces.ErrQueueFull {
			return err
		}
		return mapBusErr(err, "publish to %s", msg.Queue)
	}

	b.logger.Trace().
		Str("queue", msg.Queue).
		Str("message_id", msg.ID).
		Str("job_id", msg.JobID).
		Str("ordering_key", msg.OrderingKey).
		Msg("Message published")
	return nil
}

func (b *Bus) Pull(ctx context.Context, queue, subscriberID string, maxBatch int, ackDeadline time.Duration) ([]*interfaces.Delivery, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if ackDeadline <= 0 {
		ackDeadline = 30 * time.Second
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var deliveries []*interfaces.Delivery
	var deadLettered []*interfaces.Message

	err := b.db.Update(func(txn *badgerdb.Txn) error {
		deliveries = nil
		deadLettered = nil

		candidates, blockedKeys, err := b.scanQueue(txn, queue, now)
		if err != nil {
			return err
		}

		// Route exhausted messages before selection so a poison message
		// never occupies its ordering key's head.
		kept := candidates[:0]
		for _, c := range candidates {
			maxAttempts := c.RetryPolicy.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = b.opts.MaxAttempts
			}
			if c.ReceiveCount >= maxAttempts {
				if err := b.moveToDLQ(txn, queue, c); err != nil {
					return err
				}
				copied := c.Message
				deadLettered = append(deadLettered, &copied)
				continue
			}
			kept = append(kept, c)
		}
		candidates = kept

		eligible := selectEligible(candidates, blockedKeys)
		picked := b.pickBatch(eligible, maxBatch, now)

		deadline := now.Add(ackDeadline)
		for _, c := range picked {
			c.ReceiveCount++
			c.LeaseToken = common.NewLeaseToken()
			c.VisibleAt = deadline
			c.LeaseDeadline = &deadline
			c.Subscriber = subscriberID
			if err := b.writeMessage(txn, msgKey(queue, c.ID), c); err != nil {
				return err
			}

			copied := c.Message
			deliveries = append(deliveries, &interfaces.Delivery{
				Message: &copied,
				Lease: interfaces.Lease{
					Queue:     queue,
					MessageID: c.ID,
					Token:     c.LeaseToken,
					Deadline:  deadline,
				},
				Attempt: c.ReceiveCount,
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapBusErr(err, "pull from %s", queue)
	}

	for _, msg := range deadLettered {
		b.logger.Warn().
			Str("queue", queue).
			Str("message_id", msg.ID).
			Str("job_id", msg.JobID).
			Int("receive_count", msg.ReceiveCount).
			Msg("Message dead-lettered after exhausting retry budget")
		if b.listener != nil {
			b.listener.DeadLettered(ctx, msg)
		}
	}

	return deliveries, nil
}

// scanQueue decodes every message in the queue keyspace, splitting it
// into ready candidates and the set of ordering keys blocked by a
// not-yet-visible head (leased or backoff-delayed).
func (b *Bus) scanQueue(txn *badgerdb.Txn, queue string, now time.Time) ([]*storedMessage, map[string]bool, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = msgPrefix(queue)
	it := txn.NewIterator(opts)
	defer it.Close()

	var candidates []*storedMessage
	blockedKeys := make(map[string]bool)

	for it.Rewind(); it.Valid(); it.Next() {
		var stored storedMessage
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
		if err != nil {
			return nil, nil, err
		}

		if stored.VisibleAt.After(now) {
			// Leased or waiting out a backoff: either way the message
			// still owns its ordering key until it acks or dead-letters,
			// so later messages in the key must not deliver.
			if stored.OrderingKey != "" {
				blockedKeys[stored.OrderingKey] = true
			}
			continue
		}

		// An expired lease is a failed delivery: the message is ready
		// again and the stale token is dropped.
		msg := stored
		msg.LeaseToken = ""
		msg.LeaseDeadline = nil
		candidates = append(candidates, &msg)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Seq < candidates[j].Seq
	})
	return candidates, blockedKeys, nil
}

// selectEligible applies ordering-key gating: only the earliest message
// of each key is deliverable, and only when the key is not blocked by a
// leased or delayed head.
func selectEligible(candidates []*storedMessage, blockedKeys map[string]bool) []*storedMessage {
	seenKeys := make(map[string]bool)
	eligible := make([]*storedMessage, 0, len(candidates))
	for _, c := range candidates {
		if c.OrderingKey == "" {
			eligible = append(eligible, c)
			continue
		}
		if blockedKeys[c.OrderingKey] || seenKeys[c.OrderingKey] {
			seenKeys[c.OrderingKey] = true
			continue
		}
		seenKeys[c.OrderingKey] = true
		eligible = append(eligible, c)
	}
	return eligible
}

// pickBatch applies anti-starvation then weighted priority banding to the
// eligible set, which arrives in publish order.
func (b *Bus) pickBatch(eligible []*storedMessage, maxBatch int, now time.Time) []*storedMessage {
	var picked []*storedMessage
	taken := make(map[string]bool)
	takenKeys := make(map[string]bool)

	take := func(c *storedMessage) {
		picked = append(picked, c)
		taken[c.ID] = true
		if c.OrderingKey != "" {
			takenKeys[c.OrderingKey] = true
		}
	}
	available := func(c *storedMessage) bool {
		if taken[c.ID] {
			return false
		}
		return c.OrderingKey == "" || !takenKeys[c.OrderingKey]
	}

	// Anti-starvation: anything waiting past the age cap jumps every
	// band, oldest first.
	starvationCutoff := now.Add(-b.opts.AntiStarvationAge)
	for _, c := range eligible {
		if len(picked) >= maxBatch {
			return picked
		}
		if c.EnqueuedAt.Before(starvationCutoff) && available(c) {
			take(c)
		}
	}

	for len(picked) < maxBatch {
		band, ok := b.nextBand(eligible, taken, takenKeys)
		if !ok {
			break
		}
		for _, c := range eligible {
			if c.Priority.Rank() == band && available(c) {
				take(c)
				break
			}
		}
	}
	return picked
}

// nextBand spends weighted round-robin credit, skipping bands with no
// deliverable message. Returns false when nothing is deliverable.
func (b *Bus) nextBand(eligible []*storedMessage, taken map[string]bool, takenKeys map[string]bool) (int, bool) {
	hasBand := [3]bool{}
	any := false
	for _, c := range eligible {
		if taken[c.ID] {
			continue
		}
		if c.OrderingKey != "" && takenKeys[c.OrderingKey] {
			continue
		}
		hasBand[c.Priority.Rank()] = true
		any = true
	}
	if !any {
		return 0, false
	}

	b.wrrMu.Lock()
	defer b.wrrMu.Unlock()
	for spins := 0; spins < 2; spins++ {
		for band := 2; band >= 0; band-- {
			if hasBand[band] && b.credits[band] > 0 {
				b.credits[band]--
				return band, true
			}
		}
		b.replenishCreditsLocked()
	}
	// Credits replenished and still nothing matched: fall back to the
	// highest populated band.
	for band := 2; band >= 0; band-- {
		if hasBand[band] {
			return band, true
		}
	}
	return 0, false
}

func (b *Bus) replenishCredits() {
	b.wrrMu.Lock()
	defer b.wrrMu.Unlock()
	b.replenishCreditsLocked()
}

func (b *Bus) replenishCreditsLocked() {
	b.credits[2] = b.opts.WeightHigh
	b.credits[1] = b.opts.WeightNormal
	b.credits[0] = b.opts.WeightLow
}

func (b *Bus) Ack(ctx context.Context, lease interfaces.Lease) error {
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := b.claimLeased(txn, lease); err != nil {
			return err
		}
		if err := txn.Delete(msgKey(lease.Queue, lease.MessageID)); err != nil {
			return err
		}
		return b.adjustOutstanding(txn, lease.Queue, -1)
	})
	if err != nil {
		return mapBusErr(err, "ack %s/%s", lease.Queue, lease.MessageID)
	}
	b.logger.Trace().
		Str("queue", lease.Queue).
		Str("message_id", lease.MessageID).
		Msg("Message acked")
	return nil
}

func (b *Bus) Nack(ctx context.Context, lease interfaces.Lease, requeueDelay time.Duration) error {
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		stored, err := b.claimLeased(txn, lease)
		if err != nil {
			return err
		}

		delay := requeueDelay
		if delay <= 0 {
			delay = backoffDelay(stored.RetryPolicy, stored.ReceiveCount)
		}
		stored.VisibleAt = b.clock.Now().Add(delay)
		stored.LeaseToken = ""
		stored.LeaseDeadline = nil
		stored.Subscriber = ""
		return b.writeMessage(txn, msgKey(lease.Queue, lease.MessageID), stored)
	})
	if err != nil {
		return mapBusErr(err, "nack %s/%s", lease.Queue, lease.MessageID)
	}
	return nil
}

func (b *Bus) Extend(ctx context.Context, lease interfaces.Lease, extra time.Duration) error {
	if extra <= 0 {
		return models.NewError(models.ErrInvalidRequest, "extend requires a positive duration")
	}
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		stored, err := b.claimLeased(txn, lease)
		if err != nil {
			return err
		}
		// The new deadline is measured from now, not from the current
		// deadline, so periodic renewal holds the lease steady instead
		// of compounding it. An extension never shrinks the lease.
		deadline := b.clock.Now().Add(extra)
		if deadline.Before(stored.VisibleAt) {
			deadline = stored.VisibleAt
		}
		stored.VisibleAt = deadline
		stored.LeaseDeadline = &deadline
		return b.writeMessage(txn, msgKey(lease.Queue, lease.MessageID), stored)
	})
	if err != nil {
		return mapBusErr(err, "extend %s/%s", lease.Queue, lease.MessageID)
	}
	return nil
}

// claimLeased loads a message and verifies the caller still holds its
// lease. A missing message or stale token means the delivery was lost to
// redelivery; surfacing conflict lets the worker drop the attempt.
func (b *Bus) claimLeased(txn *badgerdb.Txn, lease interfaces.Lease) (*storedMessage, error) {
	stored, err := b.readMessage(txn, msgKey(lease.Queue, lease.MessageID))
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, models.NewError(models.ErrNotFound, "message %s not found in %s", lease.MessageID, lease.Queue)
	}
	if stored.LeaseToken == "" || stored.LeaseToken != lease.Token {
		return nil, models.NewError(models.ErrConflict, "lease for %s/%s is no longer held", lease.Queue, lease.MessageID)
	}
	return stored, nil
}

func (b *Bus) RemoveByJob(ctx context.Context, queue, jobID string) (int, error) {
	removed := 0
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		removed = 0
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = msgPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := b.clock.Now()
		var victims []string
		for it.Rewind(); it.Valid(); it.Next() {
			var stored storedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			// Leased messages are left to their worker; the cancel flag
			// stops the attempt from the recorder side.
			if stored.JobID != jobID {
				continue
			}
			if stored.LeaseToken != "" && stored.VisibleAt.After(now) {
				continue
			}
			victims = append(victims, stored.ID)
		}
		it.Close()

		for _, id := range victims {
			if err := txn.Delete(msgKey(queue, id)); err != nil {
				return err
			}
			if err := b.adjustOutstanding(txn, queue, -1); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, mapBusErr(err, "remove job %s from %s", jobID, queue)
	}
	return removed, nil
}

func (b *Bus) Redrive(ctx context.Context, queue string, ids []string) (int, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var moved []*interfaces.Message
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		moved = nil
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = dlqPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		var parked []*storedMessage
		for it.Rewind(); it.Valid(); it.Next() {
			var stored storedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			// Redrive addresses either message ids or job ids so the
			// admin surface can redrive by job.
			if len(wanted) > 0 && !wanted[stored.ID] && !wanted[stored.JobID] {
				continue
			}
			parked = append(parked, &stored)
		}
		it.Close()

		now := b.clock.Now()
		for _, stored := range parked {
			stored.ReceiveCount = 0
			stored.VisibleAt = now
			stored.LeaseToken = ""
			stored.LeaseDeadline = nil
			stored.Seq = b.nextSeq()
			if err := txn.Delete(dlqKey(queue, stored.ID)); err != nil {
				return err
			}
			if err := b.writeMessage(txn, msgKey(queue, stored.ID), stored); err != nil {
				return err
			}
			if err := b.adjustOutstanding(txn, queue, 1); err != nil {
				return err
			}
			copied := stored.Message
			moved = append(moved, &copied)
		}
		return nil
	})
	if err != nil {
		return 0, mapBusErr(err, "redrive %s", queue)
	}

	for _, msg := range moved {
		b.logger.Info().
			Str("queue", queue).
			Str("message_id", msg.ID).
			Str("job_id", msg.JobID).
			Msg("Dead-lettered message redriven")
		if b.listener != nil {
			b.listener.Redriven(ctx, msg)
		}
	}
	return len(moved), nil
}

func (b *Bus) DeadLetters(ctx context.Context, queue string, limit int) ([]*interfaces.Message, error) {
	var parked []*interfaces.Message
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = dlqPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(parked) >= limit {
				break
			}
			var stored storedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			copied := stored.Message
			parked = append(parked, &copied)
		}
		return nil
	})
	if err != nil {
		return nil, mapBusErr(err, "list dead letters for %s", queue)
	}
	return parked, nil
}

func (b *Bus) Depth(ctx context.Context, queue string) (interfaces.QueueDepth, error) {
	var depth interfaces.QueueDepth
	err := b.db.View(func(txn *badgerdb.Txn) error {
		depth = interfaces.QueueDepth{}
		now := b.clock.Now()

		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = msgPrefix(queue)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			var stored storedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				it.Close()
				return err
			}
			switch {
			case stored.LeaseToken != "" && stored.VisibleAt.After(now):
				depth.Inflight++
			case stored.VisibleAt.After(now):
				depth.Delayed++
			default:
				depth.Ready++
			}
		}
		it.Close()

		dlqOpts := badgerdb.DefaultIteratorOptions
		dlqOpts.Prefix = dlqPrefix(queue)
		dit := txn.NewIterator(dlqOpts)
		defer dit.Close()
		for dit.Rewind(); dit.Valid(); dit.Next() {
			depth.DeadLettered++
		}
		return nil
	})
	if err != nil {
		return interfaces.QueueDepth{}, mapBusErr(err, "depth for %s", queue)
	}
	return depth, nil
}

// moveToDLQ parks an exhausted message and releases its backlog slot.
func (b *Bus) moveToDLQ(txn *badgerdb.Txn, queue string, stored *storedMessage) error {
	if err := txn.Delete(msgKey(queue, stored.ID)); err != nil {
		return err
	}
	stored.LeaseToken = ""
	stored.LeaseDeadline = nil
	if err := b.writeMessage(txn, dlqKey(queue, stored.ID), stored); err != nil {
		return err
	}
	return b.adjustOutstanding(txn, queue, -1)
}

func (b *Bus) readState(txn *badgerdb.Txn, queue string) (*queueState, error) {
	item, err := txn.Get(stateKey(queue))
	if err == badgerdb.ErrKeyNotFound {
		return &queueState{}, nil
	}
	if err != nil {
		return nil, err
	}
	var state queueState
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &state)
	}); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *Bus) writeState(txn *badgerdb.Txn, queue string, state *queueState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return txn.Set(stateKey(queue), data)
}

// adjustOutstanding moves the flow-control counter and lifts the paused
// flag once drain reaches the low-water mark.
func (b *Bus) adjustOutstanding(txn *badgerdb.Txn, queue string, delta int) error {
	state, err := b.readState(txn, queue)
	if err != nil {
		return err
	}
	state.Outstanding += delta
	if state.Outstanding < 0 {
		state.Outstanding = 0
	}
	if state.Paused && state.Outstanding <= b.opts.LowWater {
		state.Paused = false
	}
	if state.Outstanding >= b.opts.HighWater {
		state.Paused = true
	}
	return b.writeState(txn, queue, state)
}

func (b *Bus) readMessage(txn *badgerdb.Txn, key []byte) (*storedMessage, error) {
	item, err := txn.Get(key)
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &stored)
	}); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (b *Bus) writeMessage(txn *badgerdb.Txn, key []byte, stored *storedMessage) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// mapBusErr classifies storage failures for the caller's retry loop,
// passing typed errors through untouched.
func mapBusErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var typed *models.Error
	if errors.As(err, &typed) {
		return err
	}
	if err == badgerdb.ErrConflict {
		return models.WrapError(models.ErrRetryableBackend, err, format+": transaction conflict", args...)
	}
	return models.WrapError(models.ErrRetryableBackend, err, format, args...)
}
