package license

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"41.neocities.org/offline/drm"
	"41.neocities.org/offline/fault"
	"41.neocities.org/offline/internal/log"
)

// Default timeouts applied when the caller's context has no deadline.
const (
	DefaultOperationTimeout = 30 * time.Second
	DefaultReleaseTimeout   = 10 * time.Second
)

var (
	errForeign    = errors.New("handle belongs to another session")
	errUnknown    = errors.New("unknown handle")
	errReleased   = errors.New("key set released")
	errSuperseded = errors.New("key set superseded by renewal")
	errEmptyGrant = errors.New("server granted an empty key set id")
)

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithTimeouts sets the timeouts of acquire, renew and query calls, and of
// release calls. Zero keeps the default.
func WithTimeouts(operation, release time.Duration) Option {
	return func(s *Session) {
		if operation > 0 {
			s.operationTimeout = operation
		}
		if release > 0 {
			s.releaseTimeout = release
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// record is one entry of the handle arena.
type record struct {
	handle Handle
	expiry time.Time
}

// Session holds at most one live key set. Only one remote call may be in
// flight at a time; a concurrent Acquire, Renew, Release or QueryDuration
// fails with fault.Busy. The lock is never held across a remote call.
//
// The arena keeps the live record and the last released one. Older
// generations are known to be superseded without being stored.
type Session struct {
	id               string
	engine           Engine
	now              func() time.Time
	operationTimeout time.Duration
	releaseTimeout   time.Duration
	logger           zerolog.Logger
	tracer           trace.Tracer

	current atomic.Pointer[record]

	mu         sync.Mutex
	state      State
	inflight   bool
	generation uint64
	retired    *record
}

// NewSession returns an idle session driving engine.
func NewSession(engine Engine, opts ...Option) *Session {
	s := &Session{
		id:               uuid.NewString(),
		engine:           engine,
		now:              time.Now,
		operationTimeout: DefaultOperationTimeout,
		releaseTimeout:   DefaultReleaseTimeout,
		tracer:           otel.Tracer("41.neocities.org/offline/license"),
	}
	s.logger = log.WithComponent("license")
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().
		Str(log.FieldSession, s.id).
		Str(log.FieldScheme, drm.Name(engine.Scheme())).
		Logger()
	return s
}

// ID returns the session id carried by its handles.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the live handle without locking.
func (s *Session) Current() (Handle, bool) {
	rec := s.current.Load()
	if rec == nil {
		return Handle{}, false
	}
	return rec.handle, true
}

// Expiry returns the estimated license expiry of the live key set, or the
// zero time when there is none.
func (s *Session) Expiry() time.Time {
	rec := s.current.Load()
	if rec == nil {
		return time.Time{}
	}
	return rec.expiry
}

// Validate reports whether h is the live handle of s.
func (s *Session) Validate(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ferr := s.lookup("validate", h); ferr != nil {
		return ferr
	}
	return nil
}

// Acquire obtains a key set for init. It is valid from Idle and Released;
// on failure the session returns to its prior state.
func (s *Session) Acquire(ctx context.Context, init *drm.InitData) (Handle, error) {
	const op = "acquire"
	ctx, span := s.startSpan(ctx, op)
	defer span.End()

	s.mu.Lock()
	prior := s.state
	if !s.inflight && prior != Idle && prior != Released {
		s.mu.Unlock()
		return Handle{}, s.finish(span, op, &fault.Error{
			Kind: fault.Busy, Op: op, Session: s.id, Source: fmt.Errorf("session is %s", prior),
		})
	}
	if ferr := s.claim(op); ferr != nil {
		s.mu.Unlock()
		return Handle{}, s.finish(span, op, ferr)
	}
	s.transition(Acquiring)
	s.mu.Unlock()

	grant, err := call(ctx, op, s.operationTimeout, func(ctx context.Context) (Grant, error) {
		return s.engine.Acquire(ctx, init)
	})
	if err == nil && len(grant.KeySetID) == 0 {
		err = errEmptyGrant
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	if err != nil {
		s.transition(prior)
		return Handle{}, s.finish(span, op, &fault.Error{Kind: fault.Acquisition, Op: op, Session: s.id, Source: err})
	}
	rec := s.publish(grant)
	s.transition(Active)
	ActiveSessions.Inc()
	return rec.handle, s.finish(span, op, nil)
}

// Renew refreshes the key set of h. On success the returned handle replaces
// h, which becomes invalid. On failure h stays live.
func (s *Session) Renew(ctx context.Context, h Handle) (Handle, error) {
	const op = "renew"
	ctx, span := s.startSpan(ctx, op)
	defer span.End()

	s.mu.Lock()
	rec, ferr := s.lookup(op, h)
	if ferr == nil {
		ferr = s.claim(op)
	}
	if ferr != nil {
		s.mu.Unlock()
		return Handle{}, s.finish(span, op, ferr)
	}
	s.transition(Renewing)
	s.mu.Unlock()

	grant, err := call(ctx, op, s.operationTimeout, func(ctx context.Context) (Grant, error) {
		return s.engine.Renew(ctx, rec.handle.KeySetID)
	})
	if err == nil && len(grant.KeySetID) == 0 {
		err = errEmptyGrant
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	s.transition(Active)
	if err != nil {
		return Handle{}, s.finish(span, op, &fault.Error{
			Kind: fault.Renewal, Op: op, Session: s.id, KeySetID: rec.handle.KeySetID, Source: err,
		})
	}
	next := s.publish(grant)
	return next.handle, s.finish(span, op, nil)
}

// QueryDuration asks the server for the remaining validity of h. It never
// changes the session state and is valid for any live handle, expired or
// not. It counts as the in-flight call while it runs.
func (s *Session) QueryDuration(ctx context.Context, h Handle) (DurationInfo, error) {
	const op = "query"
	ctx, span := s.startSpan(ctx, op)
	defer span.End()

	s.mu.Lock()
	rec, ferr := s.lookup(op, h)
	if ferr == nil {
		ferr = s.claim(op)
	}
	s.mu.Unlock()
	if ferr != nil {
		return DurationInfo{}, s.finish(span, op, ferr)
	}
	info, err := call(ctx, op, s.operationTimeout, func(ctx context.Context) (DurationInfo, error) {
		return s.engine.QueryDuration(ctx, rec.handle.KeySetID)
	})

	s.mu.Lock()
	s.settle()
	s.mu.Unlock()
	if err != nil {
		return DurationInfo{}, s.finish(span, op, &fault.Error{
			Kind: queryKind(err), Op: op, Session: s.id, KeySetID: rec.handle.KeySetID, Source: err,
		})
	}
	return info.clamp(), s.finish(span, op, nil)
}

// queryKind classifies a failed query. A server that no longer knows the key
// set invalidates the handle; other server rejections are final. Everything
// else, including an expired context, is a transport failure.
func queryKind(err error) fault.Kind {
	var perr *ProtocolError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return fault.Transport
	case !errors.As(err, &perr) || perr.Temporary():
		return fault.Transport
	case perr.StatusCode == http.StatusNotFound || perr.StatusCode == http.StatusGone:
		return fault.InvalidHandle
	default:
		return fault.Unknown
	}
}

// Release returns the key set of h to the server. Afterwards every use of h
// fails with fault.InvalidHandle. A rejected release leaves h live; a release
// cut short by its context leaves the server state unknown, so the session
// still moves to Released and the error is not retryable.
func (s *Session) Release(ctx context.Context, h Handle) error {
	const op = "release"
	ctx, span := s.startSpan(ctx, op)
	defer span.End()

	s.mu.Lock()
	rec, ferr := s.lookup(op, h)
	if ferr == nil {
		ferr = s.claim(op)
	}
	if ferr != nil {
		s.mu.Unlock()
		return s.finish(span, op, ferr)
	}
	s.mu.Unlock()

	_, err := call(ctx, op, s.releaseTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.engine.Release(ctx, rec.handle.KeySetID)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	if err != nil {
		ferr = &fault.Error{Kind: fault.Release, Op: op, Session: s.id, KeySetID: rec.handle.KeySetID, Source: err}
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return s.finish(span, op, ferr)
		}
		ferr.Indeterminate = true
		s.logger.Warn().Err(err).Msg("release outcome unknown, handle retired")
	}
	s.retired = rec
	s.current.Store(nil)
	s.transition(Released)
	ActiveSessions.Dec()
	return s.finish(span, op, ferr)
}

// lookup resolves h in the arena. Callers hold s.mu.
func (s *Session) lookup(op string, h Handle) (*record, *fault.Error) {
	invalid := func(source error) *fault.Error {
		return &fault.Error{Kind: fault.InvalidHandle, Op: op, Session: h.Session, KeySetID: h.KeySetID, Source: source}
	}
	if h.Session != s.id {
		return nil, invalid(errForeign)
	}
	if rec := s.current.Load(); rec != nil && rec.handle.Generation == h.Generation {
		if !bytes.Equal(rec.handle.KeySetID, h.KeySetID) {
			return nil, invalid(errUnknown)
		}
		return rec, nil
	}
	if rec := s.retired; rec != nil && rec.handle.Generation == h.Generation {
		if !bytes.Equal(rec.handle.KeySetID, h.KeySetID) {
			return nil, invalid(errUnknown)
		}
		return nil, invalid(errReleased)
	}
	if h.Generation > 0 && h.Generation < s.generation {
		return nil, invalid(errSuperseded)
	}
	return nil, invalid(errUnknown)
}

// claim marks a remote call in flight. Callers hold s.mu.
func (s *Session) claim(op string) *fault.Error {
	if s.inflight {
		return &fault.Error{Kind: fault.Busy, Op: op, Session: s.id}
	}
	s.inflight = true
	InFlight.Inc()
	return nil
}

// settle ends the in-flight call. Callers hold s.mu.
func (s *Session) settle() {
	s.inflight = false
	InFlight.Dec()
}

// publish makes a new arena record for grant current. The previous record,
// if any, is superseded and dropped. Callers hold s.mu.
func (s *Session) publish(g Grant) *record {
	s.generation++
	rec := &record{
		handle: Handle{
			Session:    s.id,
			Generation: s.generation,
			KeySetID:   bytes.Clone(g.KeySetID),
		},
		expiry: s.now().Add(max(g.Duration.License, 0)),
	}
	s.current.Store(rec)
	return rec
}

// transition changes state. Callers hold s.mu.
func (s *Session) transition(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug().
		Stringer(log.FieldOldState, s.state).
		Stringer(log.FieldNewState, next).
		Msg("state change")
	s.state = next
}

func (s *Session) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "license."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(log.FieldSession, s.id),
			attribute.String(log.FieldScheme, drm.Name(s.engine.Scheme())),
		),
	)
}

// finish records the outcome of op on span and in the log, and returns err
// as an error.
func (s *Session) finish(span trace.Span, op string, err *fault.Error) error {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		s.logger.Debug().Str(log.FieldOp, op).Msg("ok")
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Debug().Str(log.FieldOp, op).Err(err).Msg("failed")
	return err
}

// call runs a remote operation with timeout applied when ctx has none. An
// expired context is always reported as the error source, even when the
// engine returns something else.
func call[T any](ctx context.Context, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	v, err := fn(ctx)
	OperationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		OperationsTotal.WithLabelValues(op, "ok").Inc()
	case ctx.Err() != nil:
		OperationsTotal.WithLabelValues(op, "timeout").Inc()
		if !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	default:
		OperationsTotal.WithLabelValues(op, "error").Inc()
	}
	return v, err
}
