// Package deploystatus keeps a live view of one deployment's status and logs.
//
// An observation pulls the authoritative status and logs over HTTP, listens on
// the deployment's push channel when realtime delivery is enabled and falls
// back to periodic polling when the channel is unavailable. Every producer
// (pull results, push messages, channel lifecycle, polling ticks, manual
// refetches) feeds a single event queue consumed by one goroutine, which is
// the only writer of the observation's state.
package deploystatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olajaido/platform-hub/pkg/api/client"
)

var (
	// ErrDeploymentIDRequired is returned by Observe for a blank deployment id.
	ErrDeploymentIDRequired = errors.New("deployment id is required")
	// ErrPushChannel wraps error messages delivered on the push channel.
	ErrPushChannel = errors.New("push channel error")
)

const eventBuffer = 16

// Source supplies status, logs and the push channel of a deployment.
// Implementations must honour context cancellation.
type Source interface {
	DeploymentStatus(ctx context.Context, deploymentID string) (client.DeploymentStatus, error)
	DeploymentLogs(ctx context.Context, deploymentID string) ([]string, error)
	DialStream(ctx context.Context, deploymentID string) (Stream, error)
}

// Stream is an open push channel. Close must unblock a pending ReadMessage
// and be safe to call more than once.
type Stream interface {
	ReadMessage() ([]byte, error)
	Close() error
}

type clientSource struct {
	*client.Client
}

func (s clientSource) DialStream(ctx context.Context, deploymentID string) (Stream, error) {
	stream, err := s.DialDeploymentStream(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// FromClient adapts an API client into a Source.
func FromClient(c *client.Client) Source {
	return clientSource{Client: c}
}

// Transport names the delivery path currently keeping the view fresh.
type Transport string

// Transports reported in Snapshot.Transport.
const (
	TransportNone     Transport = "none"
	TransportRealtime Transport = "realtime"
	TransportPolling  Transport = "polling"
)

// Fallback reasons.
const (
	reasonRealtimeDisabled = "realtime_disabled"
	reasonDialFailed       = "dial_failed"
	reasonStreamClosed     = "stream_closed"
)

// Snapshot is a consistent copy of an observation's state.
type Snapshot struct {
	// Status is nil until the first status pull succeeds.
	Status    *client.DeploymentStatus
	Logs      []string
	Err       error
	Phase     Phase
	Transport Transport
}

// Terminal reports whether a completed or failed status has been observed.
// A deployment_finished push counts, so Status may still be nil when the
// follow-up pull failed.
func (s Snapshot) Terminal() bool {
	return s.Phase == PhaseTerminal
}

type eventKind int

const (
	evStatus eventKind = iota
	evLogs
	evStreamOpened
	evStreamFailed
	evStreamMessage
	evStreamClosed
	evRefetch
)

type event struct {
	kind    eventKind
	status  client.DeploymentStatus
	logs    []string
	err     error
	stream  Stream
	payload []byte
}

// Observation is a running synchronizer for one deployment.
type Observation struct {
	id      string
	source  Source
	opts    options
	log     *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	mu      sync.RWMutex
	snap    Snapshot
	updates chan Snapshot

	// Owned by the event loop.
	state      *watchState
	ticker     Ticker
	stream     Stream
	background sync.WaitGroup
}

// Observe starts observing deploymentID. The observation runs until Stop is
// called or ctx is cancelled.
func Observe(ctx context.Context, source Source, deploymentID string, opts ...Option) (*Observation, error) {
	id := strings.TrimSpace(deploymentID)
	if id == "" {
		return nil, ErrDeploymentIDRequired
	}
	if source == nil {
		return nil, errors.New("deploystatus: source is nil")
	}
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	obsCtx, cancel := context.WithCancel(ctx)
	o := &Observation{
		id:      id,
		source:  source,
		opts:    cfg,
		log:     cfg.logger.With("deployment_id", id, "observation_id", uuid.NewString()),
		metrics: cfg.metrics,
		ctx:     obsCtx,
		cancel:  cancel,
		events:  make(chan event, eventBuffer),
		done:    make(chan struct{}),
		snap:    Snapshot{Logs: []string{}, Phase: PhaseWatching, Transport: TransportNone},
		updates: make(chan Snapshot, 1),
		state:   newWatchState(),
	}
	go o.run()
	return o, nil
}

// ID returns the observed deployment id.
func (o *Observation) ID() string {
	return o.id
}

// Snapshot returns the current state.
func (o *Observation) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.copyLocked()
}

// Updates delivers the latest snapshot after every change. Slow readers only
// see the most recent one. The channel is closed on teardown.
func (o *Observation) Updates() <-chan Snapshot {
	return o.updates
}

// Refetch requests one immediate status and logs pull. It does not touch the
// push channel, the polling timer or the terminal state. It is a no-op after Stop.
func (o *Observation) Refetch() {
	o.post(event{kind: evRefetch})
}

// Stop tears the observation down and waits for the event loop to exit. No
// state changes are visible after it returns. Safe to call more than once.
func (o *Observation) Stop() {
	o.cancel()
	<-o.done
}

// Done is closed once the observation has been torn down.
func (o *Observation) Done() <-chan struct{} {
	return o.done
}

func (o *Observation) post(ev event) bool {
	select {
	case o.events <- ev:
		return true
	case <-o.ctx.Done():
		return false
	}
}

func (o *Observation) run() {
	defer close(o.done)
	defer o.teardown()
	o.metrics.observationStarted()
	o.start()
	o.publish()

	for {
		if o.ctx.Err() != nil {
			return
		}
		var tick <-chan time.Time
		if o.ticker != nil {
			tick = o.ticker.C()
		}
		select {
		case <-o.ctx.Done():
			return
		case ev := <-o.events:
			o.handle(ev)
		case <-tick:
			o.onTick()
		}
		o.publish()
	}
}

func (o *Observation) start() {
	switch {
	case o.opts.Realtime:
		o.pullPair()
		o.dial()
	case o.opts.Polling:
		o.startPolling(reasonRealtimeDisabled)
	default:
		o.pullPair()
	}
}

func (o *Observation) teardown() {
	o.stopPolling()
	if o.stream != nil {
		_ = o.stream.Close()
		o.stream = nil
	}
	o.background.Wait()
drain:
	for {
		select {
		case ev := <-o.events:
			if ev.kind == evStreamOpened && ev.stream != nil {
				_ = ev.stream.Close()
			}
		default:
			break drain
		}
	}
	o.metrics.observationStopped()
	close(o.updates)
	o.log.Debug("observation stopped")
}

func (o *Observation) handle(ev event) {
	switch ev.kind {
	case evStatus:
		o.applyStatus(ev.status, ev.err)
	case evLogs:
		o.applyLogs(ev.logs, ev.err)
	case evStreamOpened:
		o.stream = ev.stream
		o.setTransport(TransportRealtime)
		o.log.Info("push channel open", "transport", TransportRealtime)
		o.background.Add(1)
		go o.readStream(ev.stream)
	case evStreamFailed:
		o.log.Warn("push channel unavailable", "error", ev.err)
		o.startPolling(reasonDialFailed)
	case evStreamMessage:
		o.applyMessage(ev.payload)
	case evStreamClosed:
		if o.stream != nil {
			_ = o.stream.Close()
			o.stream = nil
		}
		o.log.Info("push channel closed", "error", ev.err)
		if o.currentTransport() == TransportRealtime {
			o.setTransport(TransportNone)
		}
		o.startPolling(reasonStreamClosed)
	case evRefetch:
		o.pullPair()
	}
}

func (o *Observation) onTick() {
	if o.state.terminal() {
		o.stopPolling()
		return
	}
	o.pullPair()
}

func (o *Observation) startPolling(reason string) {
	if !o.opts.Polling || o.ticker != nil || o.state.terminal() {
		return
	}
	o.ticker = o.opts.ticker(o.opts.PollingInterval)
	o.setTransport(TransportPolling)
	o.metrics.recordFallback(reason)
	o.log.Info("polling started", "transport", TransportPolling, "reason", reason, "interval", o.opts.PollingInterval)
	o.pullPair()
}

func (o *Observation) stopPolling() {
	if o.ticker == nil {
		return
	}
	o.ticker.Stop()
	o.ticker = nil
	if o.currentTransport() == TransportPolling {
		o.setTransport(TransportNone)
	}
	o.log.Debug("polling stopped")
}

// enterTerminal records a terminal observation and reports whether it was the first.
func (o *Observation) enterTerminal() bool {
	if !o.state.markTerminal() {
		return false
	}
	o.stopPolling()
	o.update(func(s *Snapshot) {
		s.Phase = PhaseTerminal
	})
	o.log.Info("deployment reached terminal state")
	return true
}

func (o *Observation) applyStatus(status client.DeploymentStatus, err error) {
	if err != nil {
		o.log.Warn("status pull failed", "kind", "status", "error", err)
		o.update(func(s *Snapshot) {
			s.Err = err
		})
		return
	}
	o.update(func(s *Snapshot) {
		s.Status = &status
		s.Err = nil
	})
	if status.Terminal() && o.enterTerminal() {
		o.pullLogs()
	}
}

func (o *Observation) applyLogs(logs []string, err error) {
	if err != nil {
		o.log.Warn("logs pull failed", "kind", "logs", "error", err)
		o.update(func(s *Snapshot) {
			s.Err = err
		})
		return
	}
	if logs == nil {
		return
	}
	o.update(func(s *Snapshot) {
		s.Logs = logs
	})
}

func (o *Observation) applyMessage(payload []byte) {
	msg, err := client.DecodeStreamMessage(payload)
	if err != nil {
		o.metrics.recordPush("malformed")
		o.log.Warn("ignoring malformed push message", "error", err)
		return
	}
	switch msg.Type {
	case client.MessageStatusUpdate:
		o.metrics.recordPush(msg.Type)
		o.mergeStatus(msg)
		o.pullLogs()
	case client.MessageDeploymentFinished:
		o.metrics.recordPush(msg.Type)
		o.enterTerminal()
		o.pullPair()
	default:
		o.metrics.recordPush("error")
		o.log.Warn("push channel reported an error", "error", msg.Error)
		o.update(func(s *Snapshot) {
			s.Err = fmt.Errorf("%w: %s", ErrPushChannel, msg.Error)
		})
	}
}

func (o *Observation) mergeStatus(msg client.StreamMessage) {
	o.mu.RLock()
	current := o.snap.Status
	o.mu.RUnlock()
	if current == nil {
		o.log.Debug("status update before first snapshot dropped")
		return
	}
	merged, err := current.Merge(msg.Data)
	if err != nil {
		o.log.Warn("ignoring malformed status update", "error", err)
		return
	}
	o.update(func(s *Snapshot) {
		s.Status = &merged
		s.Err = nil
	})
	if merged.Terminal() {
		o.enterTerminal()
	}
}

func (o *Observation) dial() {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		stream, err := o.source.DialStream(o.ctx, o.id)
		if err != nil {
			o.post(event{kind: evStreamFailed, err: err})
			return
		}
		if !o.post(event{kind: evStreamOpened, stream: stream}) {
			_ = stream.Close()
		}
	}()
}

func (o *Observation) readStream(stream Stream) {
	defer o.background.Done()
	for {
		payload, err := stream.ReadMessage()
		if err != nil {
			o.post(event{kind: evStreamClosed, err: err})
			return
		}
		if !o.post(event{kind: evStreamMessage, payload: payload}) {
			return
		}
	}
}

func (o *Observation) pullPair() {
	o.pullStatus()
	o.pullLogs()
}

// Pulls run outside the loop so a stalled request never delays a tick.
// Results posted after teardown are dropped.
func (o *Observation) pullStatus() {
	go func() {
		ctx, cancel := context.WithTimeout(o.ctx, o.opts.PullTimeout)
		defer cancel()
		status, err := o.source.DeploymentStatus(ctx, o.id)
		o.metrics.recordPull("status", err)
		o.post(event{kind: evStatus, status: status, err: err})
	}()
}

func (o *Observation) pullLogs() {
	go func() {
		ctx, cancel := context.WithTimeout(o.ctx, o.opts.PullTimeout)
		defer cancel()
		logs, err := o.source.DeploymentLogs(ctx, o.id)
		o.metrics.recordPull("logs", err)
		o.post(event{kind: evLogs, logs: logs, err: err})
	}()
}

func (o *Observation) update(fn func(*Snapshot)) {
	o.mu.Lock()
	fn(&o.snap)
	o.mu.Unlock()
}

func (o *Observation) setTransport(t Transport) {
	o.update(func(s *Snapshot) {
		s.Transport = t
	})
}

func (o *Observation) currentTransport() Transport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap.Transport
}

func (o *Observation) copyLocked() Snapshot {
	snap := o.snap
	if snap.Status != nil {
		status := *snap.Status
		snap.Status = &status
	}
	return snap
}

// publish replaces any unread snapshot with the current one.
func (o *Observation) publish() {
	o.mu.RLock()
	snap := o.copyLocked()
	o.mu.RUnlock()
	select {
	case <-o.updates:
	default:
	}
	select {
	case o.updates <- snap:
	default:
	}
}
