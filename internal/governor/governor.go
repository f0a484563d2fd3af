// -----------------------------------------------------------------------
// Rate Governor - credential validation plus per-principal token buckets
// -----------------------------------------------------------------------

package governor

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// bucketRecord is the shared view of one principal's consumption,
// broadcast through the rate_buckets collection so scaled instances see
// each other's spend. Enforcement stays process-local; the broadcast
// bounds how far apart instances can drift.
type bucketRecord struct {
	Principal string    `json:"principal"`
	Operation string    `json:"operation"`
	Consumed  int64     `json:"consumed"`
	Instance  string    `json:"instance"`
	UpdatedAt time.Time `json:"updated_at"`
}

type bucket struct {
	limiter  *rate.Limiter
	consumed int64
}

// Governor implements interfaces.RateGovernor: it authenticates the
// credential through the key validator, gates the operation on the
// principal's role, then charges a token bucket keyed by
// (principal, operation class).
type Governor struct {
	validator interfaces.KeyValidator
	store     interfaces.MetadataStore
	limits    *common.LimitsConfig
	clock     interfaces.Clock
	logger    arbor.ILogger
	instance  string

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ interfaces.RateGovernor = (*Governor)(nil)

// New creates the governor and starts the bucket broadcast loop.
func New(validator interfaces.KeyValidator, store interfaces.MetadataStore, limits *common.LimitsConfig, clock interfaces.Clock, logger arbor.ILogger, instanceID string) *Governor {
	g := &Governor{
		validator: validator,
		store:     store,
		limits:    limits,
		clock:     clock,
		logger:    logger,
		instance:  instanceID,
		buckets:   make(map[string]*bucket),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	interval := common.ParseDurationOr(limits.BroadcastInterval, 5*time.Second)
	common.SafeGo(logger, "governor.broadcast", func() {
		g.broadcastLoop(interval)
	})
	return g
}

func (g *Governor) Authorize(ctx context.Context, credential string, op models.Operation) (*models.Principal, error) {
	principal, err := g.validator.Validate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if principal.Expired(g.clock.Now()) {
		return nil, models.NewError(models.ErrUnauthenticated, "credential expired")
	}
	if !principal.Role.Allows(op) {
		return nil, models.NewError(models.ErrUnauthorized,
			"role %s may not perform %s", principal.Role, op)
	}

	limit := g.limitFor(op)
	if limit.PerSecond <= 0 {
		return principal, nil
	}

	b := g.bucketFor(principal.ID, op, limit)
	reservation := b.limiter.Reserve()
	if !reservation.OK() {
		return nil, models.RateLimitedError(time.Second)
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		retryAfter := time.Duration(math.Ceil(delay.Seconds())) * time.Second
		g.logger.Debug().
			Str("principal", principal.ID).
			Str("operation", string(op)).
			Dur("retry_after", retryAfter).
			Msg("Request rate limited")
		return nil, models.RateLimitedError(retryAfter)
	}

	g.mu.Lock()
	b.consumed++
	g.mu.Unlock()
	return principal, nil
}

func (g *Governor) limitFor(op models.Operation) common.RateLimit {
	switch op {
	case models.OpSubmit:
		return g.limits.Submit
	case models.OpCancel:
		return g.limits.Cancel
	case models.OpAdmin:
		return g.limits.Admin
	default:
		return g.limits.Read
	}
}

func (g *Governor) bucketFor(principalID string, op models.Operation, limit common.RateLimit) *bucket {
	key := principalID + "/" + string(op)

	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[key]
	if !ok {
		burst := limit.Burst
		if burst < 1 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(limit.PerSecond), burst)}
		g.buckets[key] = b
	}
	return b
}

// broadcastLoop periodically merges local consumption into the shared
// rate_buckets collection with CAS, retrying the put once on version
// races. Losing a race just delays convergence one interval.
func (g *Governor) broadcastLoop(interval time.Duration) {
	defer close(g.done)
	ticker := g.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C():
			g.broadcast()
		}
	}
}

func (g *Governor) broadcast() {
	type snapshot struct {
		key      string
		consumed int64
	}

	g.mu.Lock()
	snapshots := make([]snapshot, 0, len(g.buckets))
	for key, b := range g.buckets {
		if b.consumed > 0 {
			snapshots = append(snapshots, snapshot{key: key, consumed: b.consumed})
			b.consumed = 0
		}
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, snap := range snapshots {
		docID := g.instance + "/" + snap.key
		principal, operation, _ := strings.Cut(snap.key, "/")
		record := bucketRecord{
			Principal: principal,
			Operation: operation,
			Consumed:  snap.consumed,
			Instance:  g.instance,
			UpdatedAt: g.clock.Now(),
		}

		var version uint64
		if existing, err := g.store.Get(ctx, interfaces.CollectionRateBucket, docID); err == nil {
			version = existing.Version
			var prev bucketRecord
			if json.Unmarshal(existing.Body, &prev) == nil {
				record.Consumed += prev.Consumed
			}
		}

		body, err := json.Marshal(record)
		if err != nil {
			continue
		}
		doc := &interfaces.Document{
			Collection: interfaces.CollectionRateBucket,
			ID:         docID,
			Body:       body,
		}
		if _, err := g.store.Put(ctx, doc, version); err != nil {
			if !models.IsKind(err, models.ErrConflict) {
				g.logger.Debug().Err(err).Str("bucket", snap.key).Msg("Rate bucket broadcast failed")
			}
		}
	}
}

// Stop halts the broadcast loop.
func (g *Governor) Stop() error {
	g.stopOnce.Do(func() {
		close(g.stop)
		<-g.done
	})
	return nil
}
