// Package runtime is the consumer loop: it polls the bus, classifies
// each message, dispatches valid work to the pipeline, and commits
// offsets. Invalid messages are skipped, counted, and quarantined;
// they are never retried and never dead-lettered.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"codegraph/internal/bus"
	"codegraph/internal/config"
	"codegraph/internal/event"
	"codegraph/internal/intelligence"
	"codegraph/internal/logging"
	"codegraph/internal/metrics"
	"codegraph/internal/quarantine"
)

// Sentinel errors mapped onto process exit codes by cmd.
var (
	// ErrBusUnrecoverable means polling failed repeatedly with no sign
	// of recovery.
	ErrBusUnrecoverable = errors.New("runtime: bus unrecoverable")
	// ErrDrainTimeout means in-flight work did not finish inside the
	// shutdown window.
	ErrDrainTimeout = errors.New("runtime: drain timeout")
)

// ReasonUndecodable is the by_reason bucket for messages that are not
// JSON envelopes at all.
const ReasonUndecodable = "undecodable envelope"

const (
	lagPollInterval = 5 * time.Second
	drainTimeout    = 30 * time.Second
	// drainGrace bounds the wait for workers after their context is
	// cancelled at the drain deadline.
	drainGrace = 5 * time.Second
	// maxPollFailures consecutive poll errors mean the broker is gone.
	maxPollFailures = 10
)

// Topics every consumer subscribes to.
var defaultTopics = []string{
	event.TopicEnrichmentRequested,
	event.TopicIndexProjectRequested,
}

// Processor runs the enrichment sequence for one validated envelope.
type Processor interface {
	ProcessEnvelope(ctx context.Context, env event.Envelope) error
}

// Options wires the runner's collaborators.
type Options struct {
	Config       *config.Config
	Conn         bus.Conn
	Orchestrator Processor
	Quarantine   *quarantine.Store
	Metrics      *metrics.Registry
	Intel        *intelligence.Client
	// Topics overrides the default subscription, for tests.
	Topics []string
}

// Runner owns the worker pool and the offset commit discipline: a
// message's offset is committed only after the pipeline returns, or
// immediately when the message is invalid or a passthrough.
type Runner struct {
	cfg        *config.Config
	conn       bus.Conn
	orch       Processor
	quarantine *quarantine.Store
	reg        *metrics.Registry
	intel      *intelligence.Client
	topics     []string

	// pollBackoff scales the wait between failed polls.
	pollBackoff  time.Duration
	maxFailures  int
	drainTimeout time.Duration
}

// New builds a runner. The consumer group is joined on Run.
func New(opts Options) *Runner {
	topics := opts.Topics
	if len(topics) == 0 {
		topics = defaultTopics
	}
	return &Runner{
		cfg:          opts.Config,
		conn:         opts.Conn,
		orch:         opts.Orchestrator,
		quarantine:   opts.Quarantine,
		reg:          opts.Metrics,
		intel:        opts.Intel,
		topics:       topics,
		pollBackoff:  time.Second,
		maxFailures:  maxPollFailures,
		drainTimeout: drainTimeout,
	}
}

// Run joins the consumer group and processes messages until ctx ends,
// then drains in-flight work. The returned error is nil on a clean
// drain, ErrDrainTimeout when workers outlive the shutdown window, and
// ErrBusUnrecoverable when the broker stops answering.
func (r *Runner) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryConsumer)

	consumer, err := r.conn.Consumer(r.cfg.Bus.ConsumerGroup, r.topics)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnrecoverable, err)
	}
	defer consumer.Close()

	workers := r.cfg.Tuning.ConsumerWorkers
	if workers < 1 {
		workers = 1
	}
	log.Info("consumer started: group=%s topics=%v workers=%d", r.cfg.Bus.ConsumerGroup, r.topics, workers)

	// Processing survives ctx cancellation so an in-flight file can
	// finish during shutdown; the drain deadline below is the shared
	// cancellation signal that pulls the plug on workers that do not.
	procCtx, procCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer procCancel()

	msgs := make(chan bus.Message)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				r.handle(procCtx, consumer, msg)
			}
		}()
	}

	lagStop := make(chan struct{})
	lagDone := make(chan struct{})
	go r.pollLag(ctx, consumer, lagStop, lagDone)

	pollErr := r.pollLoop(ctx, consumer, msgs)
	close(msgs)
	close(lagStop)
	<-lagDone

	// Drain: the workers finish whatever they already picked up.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.drainTimeout):
		log.Error("shutdown drain exceeded %v; cancelling in-flight work", r.drainTimeout)
		procCancel()
		select {
		case <-done:
		case <-time.After(drainGrace):
		}
		return ErrDrainTimeout
	}
	log.Info("consumer stopped")
	return pollErr
}

// pollLoop feeds the worker channel until ctx ends or the broker is
// declared unrecoverable.
func (r *Runner) pollLoop(ctx context.Context, consumer bus.Consumer, msgs chan<- bus.Message) error {
	log := logging.Get(logging.CategoryConsumer)
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := consumer.Poll(ctx, r.cfg.Tuning.ConsumerWorkers)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			r.reg.Error("bus")
			log.Warn("poll failed (%d/%d): %v", failures, r.maxFailures, err)
			if failures >= r.maxFailures {
				return fmt.Errorf("%w: %v", ErrBusUnrecoverable, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(failures) * r.pollBackoff):
			}
			continue
		}
		failures = 0
		for _, msg := range batch {
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// handle classifies one message and commits its offset. ctx is the
// runner's drain-aware processing context: detached from the shutdown
// signal, cancelled only at the drain deadline.
func (r *Runner) handle(ctx context.Context, consumer bus.Consumer, msg bus.Message) {
	r.reg.EventConsumed()
	r.reg.WorkerStarted()
	defer r.reg.WorkerStopped()

	env, err := event.Parse(msg.Value)
	if err != nil {
		r.skipInvalid(consumer, msg, ReasonUndecodable, "", nil)
		return
	}

	res := event.Validate(msg.Topic, env)
	if !res.Valid {
		r.skipInvalid(consumer, msg, res.Reason, env.CorrelationID, env.PayloadKeys())
		return
	}
	if res.PassThrough {
		r.commit(consumer, msg)
		r.reg.EventProcessed()
		return
	}

	// Bounded so a wedged downstream cannot hold the offset forever.
	pctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	if err := r.orch.ProcessEnvelope(pctx, env); err != nil {
		// Validation passed but the payload could not be decoded into
		// file specs. Same skip discipline as any other invalid message.
		r.skipInvalid(consumer, msg, err.Error(), env.CorrelationID, env.PayloadKeys())
		return
	}
	r.commit(consumer, msg)
	r.reg.EventProcessed()
}

// skipInvalid counts, quarantines, logs, and commits past the message.
// Every hundredth skip escalates to an error with the full reason
// breakdown so a misbehaving producer cannot hide in debug logs.
func (r *Runner) skipInvalid(consumer bus.Consumer, msg bus.Message, reason, correlationID string, payloadKeys []string) {
	total := r.reg.InvalidEvent(reason)
	r.quarantine.Put(msg.Topic, reason, correlationID, msg.Value)

	log := logging.Get(logging.CategoryEvents)
	if total%100 == 0 {
		breakdown, _ := json.Marshal(r.reg.Snapshot().InvalidEvents.ByReason)
		log.Error("skipped %d invalid events so far; by_reason=%s", total, breakdown)
	} else {
		log.Warn("skipping invalid event on %s: %s correlation_id=%s payload_keys=%v total_skipped=%d",
			msg.Topic, reason, correlationID, payloadKeys, total)
	}
	r.commit(consumer, msg)
}

func (r *Runner) commit(consumer bus.Consumer, msg bus.Message) {
	// Commit failures surface as redelivery, which processing absorbs
	// through idempotent upserts.
	if err := consumer.Commit(context.Background(), msg); err != nil {
		r.reg.Error("bus")
		logging.Get(logging.CategoryConsumer).Warn("commit %s %s failed: %v", msg.Topic, msg.ID, err)
	}
}

// pollLag samples group lag per topic into the metrics registry. stop
// ends it when the poll loop exits before ctx does, as on an
// unrecoverable bus failure.
func (r *Runner) pollLag(ctx context.Context, consumer bus.Consumer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(lagPollInterval)
	defer ticker.Stop()
	for {
		lag, err := consumer.Lag(ctx)
		if err == nil {
			for topic, n := range lag {
				r.reg.SetLag(topic, n)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Ready reports whether the runner can serve traffic: the broker
// answers, the intelligence service answers, and its breaker is not
// open. The failing check names come back for the /ready body.
func (r *Runner) Ready(ctx context.Context) (bool, []string) {
	var failing []string
	if err := r.conn.HealthCheck(ctx); err != nil {
		failing = append(failing, "bus")
	}
	if r.intel != nil {
		if err := r.intel.HealthCheck(ctx); err != nil {
			failing = append(failing, "intelligence")
		}
		if r.intel.BreakerState() == "open" {
			failing = append(failing, "circuit_breaker")
		}
	}
	return len(failing) == 0, failing
}
