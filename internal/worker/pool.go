// -----------------------------------------------------------------------
// Worker - execution slots pulling from the dispatch bus
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/storage/records"
)

// Pool implements interfaces.WorkerPool: a fixed set of slot goroutines
// that pull deliveries, claim attempts through the recorder, run the
// kind's handler, and report the outcome back to bus and recorder.
type Pool struct {
	bus      interfaces.MessageBus
	store    interfaces.MetadataStore
	recorder interfaces.Recorder
	blobs    interfaces.BlobStore
	clock    interfaces.Clock
	logger   arbor.ILogger

	workerID      string
	slots         int
	pollInterval  time.Duration
	ackDeadline   time.Duration
	shutdownGrace time.Duration
	cancelGrace   time.Duration
	kindTimeouts  map[models.JobKind]time.Duration

	mu       sync.RWMutex
	handlers map[models.JobKind]interfaces.Handler

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

var _ interfaces.WorkerPool = (*Pool)(nil)

// NewPool creates the worker pool from config.
func NewPool(cfg *common.Config, bus interfaces.MessageBus, store interfaces.MetadataStore, rec interfaces.Recorder, blobs interfaces.BlobStore, clock interfaces.Clock, logger arbor.ILogger) *Pool {
	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = common.InstanceID()
	}
	slots := cfg.Worker.Slots
	if slots <= 0 {
		slots = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		bus:           bus,
		store:         store,
		recorder:      rec,
		blobs:         blobs,
		clock:         clock,
		logger:        logger,
		workerID:      workerID,
		slots:         slots,
		pollInterval:  common.ParseDurationOr(cfg.Queue.PollInterval, 250*time.Millisecond),
		ackDeadline:   common.ParseDurationOr(cfg.Queue.AckDeadline, 30*time.Second),
		shutdownGrace: common.ParseDurationOr(cfg.Worker.ShutdownGrace, 60*time.Second),
		cancelGrace:   common.ParseDurationOr(cfg.Worker.CancelGrace, 10*time.Second),
		kindTimeouts: map[models.JobKind]time.Duration{
			models.JobKindScrape: common.ParseDurationOr(cfg.Worker.ScrapeTimeout, 2*time.Minute),
			models.JobKindOCR:    common.ParseDurationOr(cfg.Worker.OCRTimeout, 5*time.Minute),
		},
		handlers: make(map[models.JobKind]interfaces.Handler),
		baseCtx:  ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
	}
}

// RegisterHandler adds a handler for its kind. Last registration wins.
func (p *Pool) RegisterHandler(handler interfaces.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[handler.Kind()] = handler
}

// Start launches the slot goroutines. Slots stagger their first poll so
// a fleet restart does not thundering-herd the bus.
func (p *Pool) Start() error {
	for i := 0; i < p.slots; i++ {
		slot := i
		p.wg.Add(1)
		common.SafeGo(p.logger, fmt.Sprintf("worker-slot-%d", slot), func() {
			defer p.wg.Done()
			stagger := time.Duration(slot) * p.pollInterval / time.Duration(p.slots)
			select {
			case <-p.clock.After(stagger):
			case <-p.stop:
				return
			}
			p.slotLoop(slot)
		})
	}
	p.logger.Info().
		Str("worker_id", p.workerID).
		Int("slots", p.slots).
		Msg("Worker pool started")
	return nil
}

// Stop drains the pool: slots stop pulling immediately, in-flight
// executions keep their leases alive up to the shutdown grace, then
// their contexts are cancelled and the deliveries nack.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-p.clock.After(p.shutdownGrace):
		p.logger.Warn().Msg("Shutdown grace elapsed, aborting in-flight executions")
		p.cancel()
		<-done
	}
	p.cancel()
	p.logger.Info().Str("worker_id", p.workerID).Msg("Worker pool stopped")
	return nil
}

func (p *Pool) slotLoop(slot int) {
	subscriberID := fmt.Sprintf("%s-%d", p.workerID, slot)
	queues := interfaces.ExecutionQueues()
	ticker := p.clock.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C():
		}

		for _, queue := range queues {
			deliveries, err := p.bus.Pull(p.baseCtx, queue, subscriberID, 1, p.ackDeadline)
			if err != nil {
				p.logger.Warn().Str("queue", queue).Str("subscriber", subscriberID).Err(err).Msg("Pull failed")
				continue
			}
			for _, delivery := range deliveries {
				p.process(delivery)
			}
		}
	}
}

// process runs one delivery end to end. Every path ends in exactly one
// Ack or Nack.
func (p *Pool) process(delivery *interfaces.Delivery) {
	req, err := models.ExecutionRequestFromJSON(delivery.Message.Body)
	if err != nil {
		// Undecodable payloads can never succeed; nacking lets the
		// attempt budget route the poison message to the DLQ.
		p.logger.Error().Str("message_id", delivery.Message.ID).Err(err).Msg("Malformed execution request")
		p.nack(delivery)
		return
	}

	jobLogger := p.logger.WithCorrelationId(req.JobID)

	exec, err := p.recorder.Begin(p.baseCtx, req.JobID, p.workerID)
	if err != nil {
		switch {
		case err == interfaces.ErrJobCancelled:
			p.ack(delivery)
		case models.IsKind(err, models.ErrConflict):
			// Another worker won the attempt; this delivery is moot.
			jobLogger.Debug().Msg("Attempt claim lost, dropping delivery")
			p.ack(delivery)
		default:
			jobLogger.Warn().Err(err).Msg("Attempt claim failed")
			p.nack(delivery)
		}
		return
	}

	spec, err := p.loadSpec(req.JobID)
	if err != nil {
		p.finish(exec.ID, models.OutcomeRetryableFailure, string(models.KindOf(err)), err.Error())
		p.nack(delivery)
		return
	}

	result, cancelled := p.runHandler(delivery, exec, spec, req)
	switch {
	case cancelled:
		p.finish(exec.ID, models.OutcomeCancelled, "", "")
		p.ack(delivery)
	case result.Hint.Kind == interfaces.HintOK:
		if err := p.storeArtifacts(exec, spec, result.Artifacts); err != nil {
			p.finish(exec.ID, models.OutcomeRetryableFailure, string(models.KindOf(err)), err.Error())
			p.nack(delivery)
			return
		}
		p.finish(exec.ID, models.OutcomeSuccess, "", "")
		p.ack(delivery)
	case result.Hint.Kind == interfaces.HintTerminal:
		p.finish(exec.ID, models.OutcomeTerminalFailure, string(models.KindOf(result.Hint.Err)), hintDetail(result.Hint))
		p.ack(delivery)
	default:
		p.finish(exec.ID, models.OutcomeRetryableFailure, string(models.KindOf(result.Hint.Err)), hintDetail(result.Hint))
		p.nack(delivery)
	}
}

// runHandler executes the kind's handler under the attempt deadline
// with the lease renewer alongside. The bool reports whether
// cancellation was observed.
func (p *Pool) runHandler(delivery *interfaces.Delivery, exec *models.Execution, spec *models.JobSpec, req *models.ExecutionRequest) (*interfaces.Result, bool) {
	handler := p.handler(spec.Kind)
	if handler == nil {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("no handler registered for kind %q", spec.Kind)),
		}, false
	}

	timeout := p.kindTimeouts[spec.Kind]
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if d := time.Duration(req.Timeout); d > 0 && d < timeout {
		timeout = d
	}
	runCtx, cancelRun := context.WithTimeout(p.baseCtx, timeout)
	defer cancelRun()

	var cancelled atomic.Bool
	renewDone := make(chan struct{})
	stopRenew := make(chan struct{})
	common.SafeGo(p.logger, "lease-renewer", func() {
		defer close(renewDone)
		p.renewLoop(delivery, exec.JobID, stopRenew, func() {
			cancelled.Store(true)
			cancelRun()
		})
	})

	type outcome struct {
		result *interfaces.Result
		err    error
	}
	resCh := make(chan outcome, 1)
	common.SafeGo(p.logger, "handler-run", func() {
		result, err := handler.Execute(runCtx, spec)
		resCh <- outcome{result: result, err: err}
	})

	var res outcome
	select {
	case res = <-resCh:
	case <-runCtx.Done():
		// Let the handler honor cancellation; force-abort the slot if
		// it does not return within the grace.
		select {
		case res = <-resCh:
		case <-p.clock.After(p.cancelGrace):
			p.logger.WithCorrelationId(exec.JobID).Warn().
				Str("execution_id", exec.ID).
				Msg("Handler ignored cancellation, abandoning run")
			res = outcome{err: runCtx.Err()}
		}
	}
	close(stopRenew)
	<-renewDone

	if cancelled.Load() {
		return &interfaces.Result{Hint: interfaces.OKHint()}, true
	}
	if res.err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &interfaces.Result{
				Hint: interfaces.RetryableHint(fmt.Errorf("attempt exceeded %s deadline", timeout)),
			}, false
		}
		return &interfaces.Result{Hint: interfaces.RetryableHint(res.err)}, false
	}
	if res.result == nil {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("handler returned no result")),
		}, false
	}
	return res.result, false
}

// renewLoop extends the delivery lease every third of the ack deadline
// and watches for cancellation. Once cancellation fires, renewal
// continues only through the cancel grace so the bus reclaims the
// message if the slot wedges.
func (p *Pool) renewLoop(delivery *interfaces.Delivery, jobID string, stop <-chan struct{}, onCancel func()) {
	interval := p.ackDeadline / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	var cancelDeadline time.Time
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
		}

		if cancelDeadline.IsZero() {
			if cancelled, err := p.recorder.CancelRequested(p.baseCtx, jobID); err == nil && cancelled {
				cancelDeadline = p.clock.Now().Add(p.cancelGrace)
				onCancel()
			}
		} else if p.clock.Now().After(cancelDeadline) {
			return
		}

		if err := p.bus.Extend(p.baseCtx, delivery.Lease, p.ackDeadline); err != nil {
			p.logger.Warn().
				Str("message_id", delivery.Message.ID).
				Err(err).
				Msg("Lease extension failed")
			return
		}
	}
}

// storeArtifacts uploads each draft and attaches the records. Uploads
// abort cleanly on failure so no half-written blob gets a record.
func (p *Pool) storeArtifacts(exec *models.Execution, spec *models.JobSpec, drafts []models.ArtifactDraft) error {
	for _, draft := range drafts {
		artifactID := common.NewArtifactID()
		upload, err := p.blobs.StartUpload(p.baseCtx, interfaces.BlobHint{
			TenantID:    spec.TenantID,
			Kind:        string(spec.Kind),
			ArtifactID:  artifactID,
			ContentType: draft.ContentType,
		})
		if err != nil {
			return fmt.Errorf("start upload for %s: %w", draft.Name, err)
		}
		if err := upload.WriteChunk(draft.Data); err != nil {
			upload.Abort()
			return fmt.Errorf("write %s: %w", draft.Name, err)
		}
		info, err := upload.Finish()
		if err != nil {
			return fmt.Errorf("finish %s: %w", draft.Name, err)
		}

		metadata := draft.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["name"] = draft.Name

		artifact := &models.Artifact{
			ID:          artifactID,
			ExecutionID: exec.ID,
			JobID:       exec.JobID,
			TenantID:    exec.TenantID,
			StorageURI:  info.URI,
			ContentType: draft.ContentType,
			SizeBytes:   info.SizeBytes,
			SHA256:      info.SHA256,
			Metadata:    metadata,
			CreatedAt:   p.clock.Now(),
			Sealed:      true,
		}
		if err := p.recorder.AttachArtifact(p.baseCtx, exec.ID, artifact); err != nil {
			return fmt.Errorf("attach %s: %w", draft.Name, err)
		}
	}
	return nil
}

func (p *Pool) finish(executionID string, outcome models.Outcome, errorKind, errorDetail string) {
	if err := p.recorder.Finish(p.baseCtx, executionID, outcome, errorKind, errorDetail); err != nil {
		if !models.IsKind(err, models.ErrConflict) {
			p.logger.Warn().
				Str("execution_id", executionID).
				Str("outcome", string(outcome)).
				Err(err).
				Msg("Finish failed")
		}
	}
}

func (p *Pool) ack(delivery *interfaces.Delivery) {
	if err := p.bus.Ack(p.baseCtx, delivery.Lease); err != nil {
		p.logger.Warn().Str("message_id", delivery.Message.ID).Err(err).Msg("Ack failed")
	}
}

func (p *Pool) nack(delivery *interfaces.Delivery) {
	if err := p.bus.Nack(p.baseCtx, delivery.Lease, 0); err != nil {
		p.logger.Warn().Str("message_id", delivery.Message.ID).Err(err).Msg("Nack failed")
	}
}

func hintDetail(hint interfaces.Hint) string {
	if hint.Err == nil {
		return ""
	}
	return hint.Err.Error()
}

func (p *Pool) handler(kind models.JobKind) interfaces.Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[kind]
}

func (p *Pool) loadSpec(jobID string) (*models.JobSpec, error) {
	doc, err := p.store.Get(p.baseCtx, interfaces.CollectionJobs, jobID)
	if err != nil {
		return nil, err
	}
	return records.DecodeJob(doc)
}
