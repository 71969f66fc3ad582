// Package offline drives the lifecycle of an offline license around
// playback: resolve init data from a manifest, acquire, renew on expiry or
// resume, and release on teardown.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"41.neocities.org/offline/drm"
	"41.neocities.org/offline/fault"
	"41.neocities.org/offline/internal/log"
	"41.neocities.org/offline/license"
	"41.neocities.org/offline/manifest"
	"41.neocities.org/offline/transport"
)

var (
	// ErrUnsupportedScheme is the source of an acquisition failure when no
	// registered engine serves the content's DRM systems.
	ErrUnsupportedScheme = errors.New("no engine for the content's DRM systems")
	errNoKeySet          = errors.New("no live key set")
	errTornDown          = errors.New("coordinator torn down")
)

// Coordinator owns one license session for one piece of content. Calls that
// reach the license server are serialized: they queue on a one-slot semaphore
// and honour context cancellation while waiting.
type Coordinator struct {
	cfg      Config
	factory  transport.Factory
	registry *license.Registry
	resolver *manifest.Resolver
	now      func() time.Time
	logger   zerolog.Logger
	limiter  *rate.Limiter

	slot      chan struct{}
	session   atomic.Pointer[license.Session]
	protected atomic.Bool
	torn      atomic.Bool

	mu      sync.Mutex
	sources map[transport.DataSource]struct{}
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock replaces time.Now in the sessions the coordinator creates.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithResolver shares a resolver between coordinators.
func WithResolver(r *manifest.Resolver) CoordinatorOption {
	return func(c *Coordinator) { c.resolver = r }
}

// New returns a coordinator fetching through factory and acquiring with the
// engines of registry.
func New(cfg Config, factory transport.Factory, registry *license.Registry, opts ...CoordinatorOption) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:      cfg,
		factory:  factory,
		registry: registry,
		now:      time.Now,
		logger:   log.WithComponent("coordinator"),
		limiter:  rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
		slot:     make(chan struct{}, 1),
		sources:  make(map[transport.DataSource]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = manifest.NewResolver(factory, manifest.WithFetchTimeout(cfg.OperationTimeout))
	}
	return c, nil
}

// Start loads the manifest at uri, resolves the init data of its first
// period and acquires a license. Content without protection succeeds with a
// zero handle and Protected reports false.
func (c *Coordinator) Start(ctx context.Context, uri string) (license.Handle, error) {
	if err := c.lock(ctx); err != nil {
		return license.Handle{}, err
	}
	defer c.unlock()

	ds := c.open()
	defer c.close(ds)
	m, err := manifest.Load(ctx, ds, uri)
	if err != nil {
		return license.Handle{}, err
	}
	period, ok := m.Period(0)
	if !ok {
		return license.Handle{}, fault.New(fault.Parse, "start", errors.New("manifest has no period"))
	}
	init, err := c.resolver.InitData(ctx, period)
	if err != nil {
		return license.Handle{}, err
	}
	return c.acquire(ctx, init)
}

// StartWithInitData acquires a license for init without manifest work.
func (c *Coordinator) StartWithInitData(ctx context.Context, init *drm.InitData) (license.Handle, error) {
	if err := c.lock(ctx); err != nil {
		return license.Handle{}, err
	}
	defer c.unlock()
	return c.acquire(ctx, init)
}

// acquire runs under the slot.
func (c *Coordinator) acquire(ctx context.Context, init *drm.InitData) (license.Handle, error) {
	if c.torn.Load() {
		return license.Handle{}, fault.New(fault.InvalidHandle, "start", errTornDown)
	}
	if init == nil {
		c.protected.Store(false)
		c.logger.Info().Msg("content is not protected")
		return license.Handle{}, nil
	}
	s := c.session.Load()
	if s == nil {
		engine, ok := c.registry.Select(init)
		if !ok {
			return license.Handle{}, &fault.Error{Kind: fault.Acquisition, Op: "start", Source: fmt.Errorf("%w: %s", ErrUnsupportedScheme, init)}
		}
		s = license.NewSession(engine,
			license.WithClock(c.now),
			license.WithTimeouts(c.cfg.OperationTimeout, c.cfg.ReleaseTimeout),
		)
		c.session.Store(s)
	}
	c.protected.Store(true)
	h, err := s.Acquire(ctx, init)
	if err != nil {
		return license.Handle{}, err
	}
	c.logger.Info().Str(log.FieldSession, h.Session).Msg("license acquired")
	return h, nil
}

// Protected reports whether the started content needs a license.
func (c *Coordinator) Protected() bool {
	return c.protected.Load()
}

// Handle returns the live handle without locking, for the decryption layer.
func (c *Coordinator) Handle() (license.Handle, bool) {
	s := c.session.Load()
	if s == nil {
		return license.Handle{}, false
	}
	return s.Current()
}

// Consume passes the live handle to fn. When fn reports fault.KeyExpired the
// license is renewed once and fn is retried with the new handle; a failed
// renewal is returned as the playback error. Unprotected content is consumed
// with the zero handle.
func (c *Coordinator) Consume(ctx context.Context, fn func(license.Handle) error) error {
	s := c.session.Load()
	if s == nil || !c.protected.Load() {
		if c.torn.Load() {
			return fault.New(fault.InvalidHandle, "consume", errTornDown)
		}
		return fn(license.Handle{})
	}
	h, ok := s.Current()
	if !ok {
		return &fault.Error{Kind: fault.InvalidHandle, Op: "consume", Session: s.ID(), Source: errNoKeySet}
	}
	err := fn(h)
	if fault.KindOf(err) != fault.KeyExpired {
		return err
	}
	c.logger.Info().Str(log.FieldSession, h.Session).Msg("key expired during playback, renewing")
	renewed, rerr := c.renewFrom(ctx, h)
	if rerr != nil {
		return rerr
	}
	return fn(renewed)
}

// ReportKeyFailure renews the license when err is fault.KeyExpired and
// returns the renewal outcome. Any other err is returned unchanged.
func (c *Coordinator) ReportKeyFailure(ctx context.Context, err error) error {
	if fault.KindOf(err) != fault.KeyExpired {
		return err
	}
	h, ok := c.Handle()
	if !ok {
		return fault.New(fault.InvalidHandle, "report key failure", errNoKeySet)
	}
	_, rerr := c.renewFrom(ctx, h)
	return rerr
}

// Pause reports the remaining duration when playback pauses.
func (c *Coordinator) Pause(ctx context.Context) (license.DurationInfo, error) {
	info, err := c.QueryDuration(ctx)
	if err != nil {
		return license.DurationInfo{}, err
	}
	c.logger.Debug().
		Int64("license_seconds", info.LicenseSeconds()).
		Int64("playback_seconds", info.PlaybackSeconds()).
		Msg("paused")
	return info, nil
}

// Resume queries the remaining duration and renews first when it is at or
// below Config.RenewMargin. It returns the duration of the handle in use
// afterwards. The whole exchange holds the slot.
func (c *Coordinator) Resume(ctx context.Context) (license.DurationInfo, error) {
	if err := c.lock(ctx); err != nil {
		return license.DurationInfo{}, err
	}
	defer c.unlock()
	s, h, info, err := c.query(ctx)
	if err != nil {
		return license.DurationInfo{}, err
	}
	if info.License > c.cfg.RenewMargin {
		return info, nil
	}
	c.logger.Info().Int64("license_seconds", info.LicenseSeconds()).Msg("renewing on resume")
	renewed, err := s.Renew(ctx, h)
	if err != nil {
		return info, err
	}
	return s.QueryDuration(ctx, renewed)
}

// Renew renews the live key set.
func (c *Coordinator) Renew(ctx context.Context) (license.Handle, error) {
	if err := c.lock(ctx); err != nil {
		return license.Handle{}, err
	}
	defer c.unlock()
	s, h, err := c.live("renew")
	if err != nil {
		return license.Handle{}, err
	}
	return s.Renew(ctx, h)
}

// renewFrom renews h unless another caller already replaced it while this
// one waited for the slot.
func (c *Coordinator) renewFrom(ctx context.Context, h license.Handle) (license.Handle, error) {
	if err := c.lock(ctx); err != nil {
		return license.Handle{}, err
	}
	defer c.unlock()
	s, current, err := c.live("renew")
	if err != nil {
		return license.Handle{}, err
	}
	if current.Generation != h.Generation {
		return current, nil
	}
	return s.Renew(ctx, current)
}

// QueryDuration returns the remaining duration of the live key set. It waits
// for the slot rather than failing while a renewal is in flight.
func (c *Coordinator) QueryDuration(ctx context.Context) (license.DurationInfo, error) {
	_, info, err := c.observe(ctx)
	return info, err
}

// observe queries under the slot and returns the handle the duration
// belongs to.
func (c *Coordinator) observe(ctx context.Context) (license.Handle, license.DurationInfo, error) {
	if err := c.lock(ctx); err != nil {
		return license.Handle{}, license.DurationInfo{}, err
	}
	defer c.unlock()
	_, h, info, err := c.query(ctx)
	return h, info, err
}

// query runs under the slot.
func (c *Coordinator) query(ctx context.Context) (*license.Session, license.Handle, license.DurationInfo, error) {
	s, h, err := c.live("query")
	if err != nil {
		return nil, license.Handle{}, license.DurationInfo{}, err
	}
	info, err := s.QueryDuration(ctx, h)
	return s, h, info, err
}

// Maintain renews the license whenever its remaining duration drops to
// Config.RenewMargin, polling every Config.MaintainInterval until ctx ends or
// the key set is released. Failed renewals are retried up to
// Config.RenewRetries times, paced by Config.RetryInterval. A handle already
// replaced by another renewal is not renewed again. Run it on its own
// goroutine.
func (c *Coordinator) Maintain(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.MaintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		h, info, err := c.observe(ctx)
		switch {
		case fault.KindOf(err) == fault.InvalidHandle:
			c.logger.Debug().Msg("no live key set, maintenance stopped")
			return nil
		case err != nil:
			c.logger.Warn().Err(err).Msg("duration query failed")
			continue
		case info.License > c.cfg.RenewMargin:
			continue
		}
		if err := c.renewWithRetry(ctx, h); err != nil {
			if fault.KindOf(err) == fault.InvalidHandle {
				return nil
			}
			return err
		}
	}
}

// renewWithRetry renews h, which stays live across failed attempts.
func (c *Coordinator) renewWithRetry(ctx context.Context, h license.Handle) error {
	var err error
	for attempt := 0; attempt <= c.cfg.RenewRetries; attempt++ {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return werr
		}
		if _, err = c.renewFrom(ctx, h); err == nil {
			return nil
		}
		if !fault.Retryable(err) {
			return err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("renewal failed")
	}
	return err
}

// Teardown releases the live key set and closes every data source still
// open. Release is attempted whatever happened before, with the caller's
// values but not its cancellation, so it is bounded by
// Config.ReleaseTimeout. Errors are joined, none are dropped.
func (c *Coordinator) Teardown(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	c.torn.Store(true)
	c.slot <- struct{}{}
	defer c.unlock()
	if s := c.session.Load(); s != nil {
		if h, ok := s.Current(); ok {
			if err := s.Release(ctx, h); err != nil {
				errs = append(errs, err)
			} else {
				c.logger.Info().Str(log.FieldSession, h.Session).Msg("license released")
			}
		}
	}
	c.mu.Lock()
	sources := c.sources
	c.sources = make(map[transport.DataSource]struct{})
	c.mu.Unlock()
	for ds := range sources {
		if err := ds.Close(); err != nil {
			errs = append(errs, fault.New(fault.Transport, "teardown", err))
		}
	}
	return errors.Join(errs...)
}

// live returns the session and its live handle.
func (c *Coordinator) live(op string) (*license.Session, license.Handle, error) {
	s := c.session.Load()
	if s == nil {
		return nil, license.Handle{}, fault.New(fault.InvalidHandle, op, errNoKeySet)
	}
	h, ok := s.Current()
	if !ok {
		return nil, license.Handle{}, &fault.Error{Kind: fault.InvalidHandle, Op: op, Session: s.ID(), Source: errNoKeySet}
	}
	return s, h, nil
}

func (c *Coordinator) lock(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) unlock() {
	<-c.slot
}

func (c *Coordinator) open() transport.DataSource {
	ds := c.factory.NewDataSource()
	c.mu.Lock()
	c.sources[ds] = struct{}{}
	c.mu.Unlock()
	return ds
}

// close closes ds unless Teardown already did.
func (c *Coordinator) close(ds transport.DataSource) {
	c.mu.Lock()
	_, ok := c.sources[ds]
	delete(c.sources, ds)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := ds.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("close data source")
	}
}
