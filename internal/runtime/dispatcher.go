package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	configpkg "github.com/drblury/chimpflow/internal/runtime/config"
	errspkg "github.com/drblury/chimpflow/internal/runtime/errors"
	"github.com/drblury/chimpflow/internal/runtime/failure"
	"github.com/drblury/chimpflow/internal/runtime/ids"
	"github.com/drblury/chimpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chimpflow/internal/runtime/logging"
	"github.com/drblury/chimpflow/internal/runtime/metrics"
	"github.com/drblury/chimpflow/internal/runtime/protocol"
	"github.com/drblury/chimpflow/internal/runtime/sink"
	"github.com/drblury/chimpflow/internal/runtime/subscription"
)

// Stage names the dispatcher step a failure came from.
type Stage = failure.Stage

const (
	StageSubscribe = failure.StageSubscribe
	StagePublish   = failure.StagePublish
	StageConsume   = failure.StageConsume
	StageDecode    = failure.StageDecode
	StageSubmit    = failure.StageSubmit
)

// EventSource yields imageCreated events. Any error ends the stream.
type EventSource interface {
	NextEvent(ctx context.Context) (subscription.ImageCreated, error)
}

// JobQueue publishes job requests and yields their results. NextResult may
// return a protocol.DecodeError and keep going; any other error ends the
// result stream.
type JobQueue interface {
	Publish(ctx context.Context, req protocol.Request) error
	NextResult(ctx context.Context) (protocol.Result, error)
}

// PredictionSink records a prediction and returns its id.
type PredictionSink interface {
	Submit(ctx context.Context, p sink.Prediction) (string, error)
}

// FatalError stops the dispatcher.
type FatalError struct {
	Stage Stage
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("dispatcher failed at %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// State is the lifecycle state of a Dispatcher.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DispatcherDependencies holds the optional collaborators of a Dispatcher.
// Zero values select the defaults: no-op logger, no metrics, fatal failure
// policy, queue correlation and no job timeout.
type DispatcherDependencies struct {
	Logger  logging.ServiceLogger
	Metrics *metrics.DispatchMetrics
	Policy  failure.Policy
	Hooks   DispatchHooks
	// CorrelationMode is configpkg.CorrelationQueue or configpkg.CorrelationStrict.
	CorrelationMode string
	// JobTimeout expires pending jobs that got no result. 0 disables it.
	JobTimeout time.Duration

	NewJobID func() string
	Now      func() time.Time
}

// Dispatcher turns imageCreated events into jobs and Success results into
// predictions.
type Dispatcher struct {
	events EventSource
	queue  JobQueue
	sink   PredictionSink

	logger  logging.ServiceLogger
	metrics *metrics.DispatchMetrics
	policy  failure.Policy
	hooks   DispatchHooks
	strict  bool
	// tracking keeps the pending set; only strict correlation and job expiry
	// read it, and replies without ids would otherwise never leave it.
	tracking   bool
	jobTimeout time.Duration
	newJobID   func() string
	now        func() time.Time

	state   atomic.Int32
	pending pendingJobs
}

// NewDispatcher validates its collaborators and applies defaults.
func NewDispatcher(events EventSource, queue JobQueue, predictions PredictionSink, deps DispatcherDependencies) (*Dispatcher, error) {
	if events == nil {
		return nil, errspkg.ErrEventSourceRequired
	}
	if queue == nil {
		return nil, errspkg.ErrJobQueueRequired
	}
	if predictions == nil {
		return nil, errspkg.ErrSinkRequired
	}

	switch deps.CorrelationMode {
	case "", configpkg.CorrelationQueue, configpkg.CorrelationStrict:
	default:
		return nil, fmt.Errorf("unknown correlation mode %q", deps.CorrelationMode)
	}

	d := &Dispatcher{
		events:     events,
		queue:      queue,
		sink:       predictions,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		policy:     deps.Policy,
		hooks:      MetricsHooks(deps.Metrics).Merge(deps.Hooks),
		strict:     deps.CorrelationMode == configpkg.CorrelationStrict,
		tracking:   deps.CorrelationMode == configpkg.CorrelationStrict || deps.JobTimeout > 0,
		jobTimeout: deps.JobTimeout,
		newJobID:   deps.NewJobID,
		now:        deps.Now,
		pending:    make(pendingJobs),
	}
	if d.logger == nil {
		d.logger = logging.Nop()
	}
	if d.policy == nil {
		d.policy = failure.Fatal()
	}
	if d.newJobID == nil {
		d.newJobID = ids.CreateULID
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// State reports the current lifecycle state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

type eventItem struct {
	event subscription.ImageCreated
	err   error
}

type resultItem struct {
	result protocol.Result
	err    error
}

// Run dispatches until a step fails fatally, returning a *FatalError, or
// until ctx is cancelled, returning nil. A Dispatcher runs once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errspkg.ErrDispatcherStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan eventItem)
	results := make(chan resultItem)
	go d.feedEvents(runCtx, events)
	go d.feedResults(runCtx, results)

	var sweep <-chan time.Time
	if d.jobTimeout > 0 {
		ticker := time.NewTicker(sweepInterval(d.jobTimeout))
		defer ticker.Stop()
		sweep = ticker.C
	}

	d.logger.Info("Dispatcher running", logging.LogFields{
		"strict_correlation": d.strict,
		"job_timeout":        d.jobTimeout.String(),
	})

	for {
		var err error
		select {
		case <-ctx.Done():
			return d.stop()
		case item := <-events:
			err = d.onEvent(runCtx, item)
		case item := <-results:
			err = d.onResult(runCtx, item)
		case <-sweep:
			d.expirePending()
		}
		if err != nil {
			if ctx.Err() != nil {
				return d.stop()
			}
			d.state.Store(int32(StateFailed))
			return err
		}
	}
}

func (d *Dispatcher) stop() error {
	d.state.Store(int32(StateStopped))
	d.logger.Info("Dispatcher stopped", logging.LogFields{"pending_jobs": len(d.pending)})
	return nil
}

func sweepInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (d *Dispatcher) feedEvents(ctx context.Context, out chan<- eventItem) {
	for {
		event, err := d.events.NextEvent(ctx)
		select {
		case out <- eventItem{event: event, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) feedResults(ctx context.Context, out chan<- resultItem) {
	for {
		result, err := d.queue.NextResult(ctx)
		select {
		case out <- resultItem{result: result, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !errors.Is(err, protocol.ErrMalformedResult) {
			return
		}
	}
}

func (d *Dispatcher) onEvent(ctx context.Context, item eventItem) error {
	if item.err != nil {
		// the subscription cannot be resumed, so no policy applies
		d.hooks.runFailure(JobContext{Context: ctx}, StageSubscribe, item.err)
		return &FatalError{Stage: StageSubscribe, Err: item.err}
	}
	if d.metrics != nil {
		d.metrics.RecordEvent()
	}

	event := item.event
	req := protocol.Request{
		ID:          d.newJobID(),
		Plate:       event.Plate,
		Well:        event.Well,
		DownloadURL: event.DownloadURL,
	}

	publish := func(ctx context.Context) error {
		start := d.now()
		if err := d.queue.Publish(ctx, req); err != nil {
			return err
		}
		d.jobPublished(ctx, req, start)
		return nil
	}

	if err := publish(ctx); err != nil {
		payload, _ := protocol.EncodeRequest(req)
		return d.handleFailure(ctx, failure.Item{
			Stage:   StagePublish,
			JobID:   req.ID,
			Payload: payload,
			Err:     err,
		}, JobContext{JobID: req.ID, Plate: req.Plate, Well: req.Well, Context: ctx}, publish)
	}
	return nil
}

func (d *Dispatcher) jobPublished(ctx context.Context, req protocol.Request, start time.Time) {
	now := d.now()
	if d.metrics != nil {
		d.metrics.RecordPublished(now.Sub(start))
	}
	if d.tracking {
		d.pending.add(req.ID, pendingJob{plate: req.Plate, well: req.Well, publishedAt: now})
		if d.metrics != nil {
			d.metrics.SetInFlight(len(d.pending))
		}
	}
	logging.WithJob(d.logger, req.ID).Debug("Published job", logging.LogFields{
		"plate":        req.Plate.String(),
		"well":         req.Well,
		"download_url": req.DownloadURL,
	})
	if d.hooks.OnJobPublished != nil {
		d.hooks.OnJobPublished(JobContext{
			JobID:       req.ID,
			Plate:       req.Plate,
			Well:        req.Well,
			PublishedAt: now,
			Context:     ctx,
		})
	}
}

func (d *Dispatcher) onResult(ctx context.Context, item resultItem) error {
	if item.err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(item.err, &decodeErr) {
			return d.handleFailure(ctx, failure.Item{
				Stage:   StageDecode,
				Payload: decodeErr.Payload,
				Err:     item.err,
			}, JobContext{Context: ctx}, nil)
		}
		d.hooks.runFailure(JobContext{Context: ctx}, StageConsume, item.err)
		return &FatalError{Stage: StageConsume, Err: item.err}
	}

	result := item.result
	jobID := result.ResultJobID()
	log := logging.WithJob(d.logger, jobID)

	jc := JobContext{JobID: jobID, Context: ctx}
	if d.tracking && !d.match(&jc, result, log) {
		return nil
	}

	if d.hooks.OnResult != nil {
		d.hooks.OnResult(jc, result)
	}

	switch r := result.(type) {
	case protocol.Success:
		if jc.PublishedAt.IsZero() {
			jc.Plate, jc.Well = r.Plate, r.Well
		}
		return d.submit(ctx, r, jc)
	case protocol.NoDetection:
		log.Debug("No well or drop detected", nil)
		return nil
	case protocol.Failure:
		log.Info("Worker failed to process image", logging.LogFields{"worker_error": r.Error})
		return nil
	default:
		return &FatalError{Stage: StageDecode, Err: fmt.Errorf("unsupported result type %T", result)}
	}
}

// match fills jc from the pending job the result answers. It returns false
// when strict correlation drops the result.
func (d *Dispatcher) match(jc *JobContext, result protocol.Result, log logging.ServiceLogger) bool {
	job, ok := d.pending.take(jc.JobID)
	if ok {
		jc.Plate, jc.Well, jc.PublishedAt = job.plate, job.well, job.publishedAt
		jc.Duration = d.now().Sub(job.publishedAt)
		if d.metrics != nil {
			d.metrics.SetInFlight(len(d.pending))
		}
		return true
	}
	if d.metrics != nil {
		d.metrics.RecordUnmatched()
	}
	if d.strict {
		log.Info("Dropping result for unknown job", logging.LogFields{"outcome": protocol.Tag(result)})
		return false
	}
	log.Info("Result does not match a pending job", logging.LogFields{"outcome": protocol.Tag(result)})
	return true
}

func (d *Dispatcher) submit(ctx context.Context, success protocol.Success, jc JobContext) error {
	prediction := sink.FromSuccess(success)

	submit := func(ctx context.Context) error {
		start := d.now()
		id, err := d.sink.Submit(ctx, prediction)
		if err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.RecordSubmitted(d.now().Sub(start))
		}
		logging.WithJob(d.logger, jc.JobID).Debug("Submitted prediction", logging.LogFields{"prediction_id": id})
		if d.hooks.OnPredictionSubmitted != nil {
			d.hooks.OnPredictionSubmitted(jc, id)
		}
		return nil
	}

	if err := submit(ctx); err != nil {
		payload, _ := jsoncodec.Marshal(prediction)
		return d.handleFailure(ctx, failure.Item{
			Stage:   StageSubmit,
			JobID:   success.JobID,
			Payload: payload,
			Err:     err,
		}, jc, submit)
	}
	return nil
}

// handleFailure hands a failed step to the policy. A nil return means the
// policy absorbed it.
func (d *Dispatcher) handleFailure(ctx context.Context, item failure.Item, jc JobContext, retry failure.Operation) error {
	d.hooks.runFailure(jc, item.Stage, item.Err)

	if err := d.policy.Handle(ctx, item, retry); err != nil {
		return &FatalError{Stage: item.Stage, Err: err}
	}
	logging.WithJob(d.logger, item.JobID).Info("Failure handled by policy", logging.LogFields{
		"stage": string(item.Stage),
		"error": item.Err.Error(),
	})
	return nil
}

func (d *Dispatcher) expirePending() {
	expired := d.pending.expire(d.now(), d.jobTimeout)
	if len(expired) == 0 {
		return
	}
	for _, id := range expired {
		logging.WithJob(d.logger, id).Info("Job expired without a result", logging.LogFields{
			"timeout": d.jobTimeout.String(),
		})
	}
	if d.metrics != nil {
		d.metrics.RecordExpired(len(expired))
		d.metrics.SetInFlight(len(d.pending))
	}
}
