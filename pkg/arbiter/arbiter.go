package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SoftCheck-app/agents/pkg/audit"
	"github.com/SoftCheck-app/agents/pkg/channel"
	"github.com/SoftCheck-app/agents/pkg/classify"
	"github.com/SoftCheck-app/agents/pkg/eventbus"
	"github.com/SoftCheck-app/agents/pkg/lifecycle"
	"github.com/SoftCheck-app/agents/pkg/metrics"
	"github.com/SoftCheck-app/agents/pkg/pending"
	"github.com/SoftCheck-app/agents/pkg/ratelimit"
	"github.com/SoftCheck-app/agents/pkg/stream"
	"github.com/SoftCheck-app/agents/pkg/substrate"
	"github.com/SoftCheck-app/agents/pkg/telemetry"
	"github.com/SoftCheck-app/agents/pkg/wire"
)

var ErrTimeout = errors.New("arbitration timed out")

// Trigger names what resolved a request.
type Trigger string

const (
	TriggerResponse     Trigger = "RESPONSE"
	TriggerLateResponse Trigger = "LATE_RESPONSE"
	TriggerSweep        Trigger = "SWEEP"
	TriggerDisconnect   Trigger = "DISCONNECT"
	TriggerShutdown     Trigger = "SHUTDOWN"
	TriggerSendFailed   Trigger = "SEND_FAILED"
	TriggerRegistryFull Trigger = "REGISTRY_FULL"
	TriggerRateLimited  Trigger = "RATE_LIMITED"
)

const (
	DefaultSweepInterval = 5 * time.Second
	DefaultSendTimeout   = 5 * time.Second
	DefaultSinkTimeout   = 5 * time.Second
)

type Config struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	// MaxPending bounds outstanding requests; 0 means unbounded.
	MaxPending    int
	CleanupOnDeny bool
	SendTimeout   time.Duration
	// RateLimit is the number of arbitrations a single process may start per
	// limiter window; 0 disables the check.
	RateLimit   int
	SinkTimeout time.Duration
}

type auditSink interface {
	Append(ctx context.Context, rec audit.Record) error
}

// Deps are optional collaborators. Nil members are skipped.
type Deps struct {
	Metadata  substrate.MetadataSource
	Limiter   ratelimit.Limiter
	Metrics   *metrics.Registry
	Events    *stream.Hub
	Publisher eventbus.Publisher
	Audit     auditSink
	Clock     func() time.Time
}

// Resolution describes how one arbitration ended. Stage is the lifecycle
// stage after resolution and ResolvedFrom the one reached before it.
type Resolution struct {
	EventID      string          `json:"event_id"`
	RequestID    int64           `json:"request_id,omitempty"`
	Outcome      string          `json:"outcome"`
	Trigger      Trigger         `json:"trigger"`
	Reason       string          `json:"reason,omitempty"`
	Subject      pending.Subject `json:"subject"`
	RegisteredAt time.Time       `json:"registered_at"`
	ResolvedAt   time.Time       `json:"resolved_at"`
	WaitedMS     int64           `json:"waited_ms"`
	Stage        string          `json:"stage"`
	ResolvedFrom string          `json:"resolved_from"`
}

type Service struct {
	cfg      Config
	deps     Deps
	now      func() time.Time
	registry *pending.Registry
	channel  *channel.Channel
	tracer   trace.Tracer

	mu     sync.Mutex
	closed bool
	sinks  sync.WaitGroup
}

func New(cfg Config, deps Deps) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = pending.DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultSinkTimeout
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if deps.Metrics != nil {
		deps.Metrics.Histograms.Define(metrics.DecisionLatency, metrics.DecisionBounds(cfg.Timeout))
	}
	s := &Service{
		cfg:  cfg,
		deps: deps,
		now:  now,
		registry: pending.New(
			pending.WithTimeout(cfg.Timeout),
			pending.WithCapacity(cfg.MaxPending),
			pending.WithClock(now),
		),
		tracer: otel.Tracer("installguard/arbiter"),
	}
	s.channel = channel.New(s)
	return s
}

func (s *Service) Channel() *channel.Channel { return s.channel }

func (s *Service) Config() Config { return s.cfg }

// Intercept classifies op and, for installer writes, suspends it until the
// authority answers or the request times out. h is completed exactly once,
// possibly before Intercept returns.
func (s *Service) Intercept(ctx context.Context, op substrate.Operation, h substrate.Handle) classify.Verdict {
	verdict := classify.Classify(classify.Request{
		Path:       op.Path,
		Extension:  op.Extension,
		Access:     classify.ParseAccess(op.Access),
		Kind:       classify.ParseKind(op.Kind),
		Directory:  op.Directory,
		Privileged: op.Privileged,
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.IncClassification(verdict.String())
	}
	if verdict == classify.Ignore {
		h.Complete(substrate.Allow)
		return verdict
	}

	ctx, span := s.tracer.Start(ctx, "arbitrate", trace.WithAttributes(telemetry.RequestAttributes(op.Path, op.ProcessID)...))
	defer span.End()

	md := substrate.Metadata{FileSize: op.FileSize, ProcessName: op.ProcessName, UserName: op.UserName}
	if s.deps.Metadata != nil {
		md = s.deps.Metadata.Metadata(ctx, op)
	}
	subject := pending.Subject{
		Path:        op.Path,
		ProcessID:   op.ProcessID,
		ProcessName: md.ProcessName,
		UserName:    md.UserName,
	}

	if s.cfg.RateLimit > 0 && s.deps.Limiter != nil {
		dec := s.deps.Limiter.Allow(ctx, ratelimit.ProcessKey(op.ProcessID, md.ProcessName), s.cfg.RateLimit)
		if !dec.Allowed {
			span.SetStatus(codes.Error, "rate limited")
			s.reject(ctx, h, subject, TriggerRateLimited, "process arbitration budget exhausted")
			return verdict
		}
	}

	id, err := s.registry.Insert(h, subject)
	if err != nil {
		span.RecordError(err)
		s.reject(ctx, h, subject, TriggerRegistryFull, err.Error())
		return verdict
	}
	s.updateGauges()
	span.SetAttributes(telemetry.AttrRequestID.Int64(id))

	msg, err := wire.EncodeInstallRequest(wire.InstallRequest{
		RequestID:   id,
		FilePath:    op.Path,
		FileSize:    md.FileSize,
		ProcessID:   op.ProcessID,
		ProcessName: md.ProcessName,
		UserName:    md.UserName,
		Timestamp:   s.now(),
	})
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err = s.channel.Send(sendCtx, msg)
		cancel()
	}
	if err != nil {
		span.RecordError(err)
		log.Printf("arbiter: request %d not delivered: %v", id, err)
		// the entry may already be gone if a sweep or response won the race
		if e, ok := s.registry.RemoveByID(id); ok {
			s.complete(ctx, e, substrate.Timeout, TriggerSendFailed, err.Error())
		}
		return verdict
	}
	// a response that beat this call already removed the entry
	if _, err := s.registry.Advance(id, lifecycle.EventSend); err != nil && !errors.Is(err, pending.ErrRequestNotFound) {
		s.invalidTransition(id, lifecycle.EventSend, err)
	}
	return verdict
}

// HandleResponse resolves the request named by resp. Responses for unknown
// ids are logged and dropped.
func (s *Service) HandleResponse(ctx context.Context, resp wire.InstallResponse) error {
	e, err := s.registry.Resolve(resp.RequestID, resp.Allow)
	if errors.Is(err, pending.ErrRequestNotFound) {
		log.Printf("arbiter: response for unknown request %d ignored", resp.RequestID)
		return nil
	}
	if err != nil {
		return err
	}
	outcome, trigger := substrate.Deny, TriggerResponse
	switch {
	case e.Expired:
		outcome, trigger = substrate.Timeout, TriggerLateResponse
	case resp.Allow:
		outcome = substrate.Allow
	}
	s.complete(ctx, e, outcome, trigger, resp.Reason)
	if outcome == substrate.Deny && s.cfg.CleanupOnDeny && e.Subject.Path != "" {
		s.sendCleanup(ctx, e.Subject.Path)
	}
	return nil
}

func (s *Service) HandleConnect(clientID string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetGauge("authority_connected", 1)
	}
	if s.deps.Events != nil {
		s.deps.Events.Publish(stream.NewEvent(stream.EventConnected, map[string]string{"client_id": clientID}))
	}
}

// HandleDisconnect times out every pending request; no answer can arrive
// without an authority.
func (s *Service) HandleDisconnect() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetGauge("authority_connected", 0)
	}
	if s.deps.Events != nil {
		s.deps.Events.Publish(stream.NewEvent(stream.EventDisconnected, nil))
	}
	if n := s.sweep(true, TriggerDisconnect); n > 0 {
		log.Printf("arbiter: authority lost, %d pending requests timed out", n)
	}
}

// Sweep times out expired requests, or all of them when forceAll is set,
// and returns how many were resolved.
func (s *Service) Sweep(forceAll bool) int {
	return s.sweep(forceAll, TriggerSweep)
}

func (s *Service) sweep(forceAll bool, trigger Trigger) int {
	entries := s.registry.Sweep(forceAll)
	for _, e := range entries {
		s.complete(context.Background(), e, substrate.Timeout, trigger, ErrTimeout.Error())
	}
	s.updateGauges()
	return len(entries)
}

// Run sweeps expired requests until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(false); n > 0 {
				log.Printf("arbiter: sweep timed out %d requests", n)
			}
		}
	}
}

// Shutdown drops the authority, times out everything still pending and waits
// for queued sink writes until ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.channel.Close()
	if n := s.sweep(true, TriggerShutdown); n > 0 {
		log.Printf("arbiter: shutdown timed out %d pending requests", n)
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.sinks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) State(id int64) pending.State { return s.registry.StateOf(id) }

func (s *Service) Pending() []pending.Info { return s.registry.Snapshot() }

func (s *Service) Connected() bool { return s.channel.Connected() }

// resolveStage moves a request from stage to RESOLVED. A refused transition
// keeps the resolution going but is logged and counted.
func (s *Service) resolveStage(id int64, stage string) string {
	next, err := lifecycle.Next(stage, lifecycle.EventResolve)
	if err != nil {
		s.invalidTransition(id, lifecycle.EventResolve, fmt.Errorf("from %s: %w", stage, err))
		return stage
	}
	return next
}

func (s *Service) invalidTransition(id int64, evt lifecycle.Event, err error) {
	log.Printf("arbiter: request %d: %s: %v", id, evt, err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.IncInvalidTransition()
	}
}

func (s *Service) complete(ctx context.Context, e pending.Entry, outcome substrate.Outcome, trigger Trigger, reason string) {
	h, err := e.Token.Release()
	if err != nil {
		log.Printf("arbiter: request %d: %v", e.RequestID, err)
		return
	}
	h.Complete(outcome)
	trace.SpanFromContext(ctx).AddEvent("resolved", trace.WithAttributes(
		telemetry.ResolutionAttributes(e.RequestID, outcome.String(), string(trigger))...))
	s.updateGauges()
	now := s.now()
	s.record(ctx, Resolution{
		RequestID:    e.RequestID,
		Outcome:      outcome.String(),
		Trigger:      trigger,
		Reason:       reason,
		Subject:      e.Subject,
		RegisteredAt: e.CreatedAt,
		ResolvedAt:   now,
		WaitedMS:     now.Sub(e.CreatedAt).Milliseconds(),
		Stage:        s.resolveStage(e.RequestID, e.Stage),
		ResolvedFrom: e.Stage,
	}, now.Sub(e.CreatedAt))
}

// reject denies an operation that never made it into the registry.
func (s *Service) reject(ctx context.Context, h substrate.Handle, subject pending.Subject, trigger Trigger, reason string) {
	h.Complete(substrate.Deny)
	log.Printf("arbiter: %s denied (%s): %s", subject.Path, trigger, reason)
	now := s.now()
	s.record(ctx, Resolution{
		Outcome:      substrate.Deny.String(),
		Trigger:      trigger,
		Reason:       reason,
		Subject:      subject,
		RegisteredAt: now,
		ResolvedAt:   now,
		Stage:        s.resolveStage(0, lifecycle.Classified),
		ResolvedFrom: lifecycle.Classified,
	}, -1)
}

func (s *Service) record(ctx context.Context, res Resolution, waited time.Duration) {
	res.EventID = uuid.NewString()
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveResolution(res.Outcome, string(res.Trigger), waited)
	}
	if s.deps.Events != nil {
		s.deps.Events.Publish(stream.NewEvent(stream.EventResolution, res))
	}
	if s.deps.Publisher == nil && s.deps.Audit == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Printf("arbiter: resolution %s after shutdown not delivered", res.EventID)
		return
	}
	s.sinks.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.sinks.Done()
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SinkTimeout)
		defer cancel()
		s.deliver(sinkCtx, res)
	}()
}

func (s *Service) deliver(ctx context.Context, res Resolution) {
	if s.deps.Publisher != nil {
		value, _ := json.Marshal(res)
		key := []byte(strconv.FormatInt(res.RequestID, 10))
		if err := s.deps.Publisher.Publish(ctx, eventbus.Message{Key: key, Value: value}); err != nil {
			log.Printf("arbiter: publish resolution %s: %v", res.EventID, err)
		}
	}
	if s.deps.Audit != nil {
		rec := audit.Record{
			EventID:      res.EventID,
			RequestID:    res.RequestID,
			FilePath:     res.Subject.Path,
			ProcessID:    int64(res.Subject.ProcessID),
			ProcessName:  res.Subject.ProcessName,
			UserName:     res.Subject.UserName,
			Outcome:      res.Outcome,
			Trigger:      string(res.Trigger),
			Reason:       res.Reason,
			RegisteredAt: res.RegisteredAt,
			ResolvedAt:   res.ResolvedAt,
		}
		if err := s.deps.Audit.Append(ctx, rec); err != nil {
			log.Printf("arbiter: audit resolution %s: %v", res.EventID, err)
		}
	}
}

func (s *Service) sendCleanup(ctx context.Context, path string) {
	msg, err := wire.EncodeCleanupNotice(wire.CleanupNotice{FilePath: path})
	if err == nil {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
		err = s.channel.Send(sendCtx, msg)
		cancel()
	}
	if err != nil {
		log.Printf("arbiter: cleanup notice for %s not sent: %v", path, err)
	}
}

func (s *Service) updateGauges() {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.SetGauge("pending_requests", float64(s.registry.Len()))
}
