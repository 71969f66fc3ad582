// Package licensetest provides an in-memory license server and decryptor for
// testing code built on the license package.
package licensetest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"41.neocities.org/offline/drm"
	"41.neocities.org/offline/fault"
	"41.neocities.org/offline/license"
)

// Operation names accepted by FailNext, Delay and Hold.
const (
	OpAcquire = "acquire"
	OpRenew   = "renew"
	OpRelease = "release"
	OpQuery   = "query"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock reading t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type keySet struct {
	issued   time.Time
	released bool
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

// Server is a license.Engine that grants key sets from memory.
type Server struct {
	scheme   uuid.UUID
	now      func() time.Time
	license  time.Duration
	playback time.Duration
	reuse    bool

	mu      sync.Mutex
	keySets map[string]*keySet
	issued  int
	calls   map[string]int
	fail    map[string]error
	delay   map[string]time.Duration
	holds   map[string]*hold
	inits   []*drm.InitData
}

// Option configures a Server.
type Option func(*Server)

// WithScheme sets the DRM system served. The default is Widevine.
func WithScheme(id uuid.UUID) Option {
	return func(s *Server) { s.scheme = id }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithDurations sets the license and playback durations of every grant.
func WithDurations(license, playback time.Duration) Option {
	return func(s *Server) {
		s.license = license
		s.playback = playback
	}
}

// WithReusedKeySetIDs makes every grant carry the same key set id.
func WithReusedKeySetIDs() Option {
	return func(s *Server) { s.reuse = true }
}

// NewServer returns a server granting one-hour licenses.
func NewServer(opts ...Option) *Server {
	s := &Server{
		scheme:   drm.Widevine,
		now:      time.Now,
		license:  time.Hour,
		playback: time.Hour,
		keySets:  make(map[string]*keySet),
		calls:    make(map[string]int),
		fail:     make(map[string]error),
		delay:    make(map[string]time.Duration),
		holds:    make(map[string]*hold),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next call of op return err.
func (s *Server) FailNext(op string, err error) {
	s.mu.Lock()
	s.fail[op] = err
	s.mu.Unlock()
}

// Delay makes every later call of op wait d, or until its context ends.
func (s *Server) Delay(op string, d time.Duration) {
	s.mu.Lock()
	s.delay[op] = d
	s.mu.Unlock()
}

// Hold blocks the next call of op until release is called. entered is closed
// once that call is blocked.
func (s *Server) Hold(op string) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[op] = h
	s.mu.Unlock()
	var once sync.Once
	return h.entered, func() { once.Do(func() { close(h.release) }) }
}

// Calls returns how many times op was called.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// InitData returns the init data of every acquisition, in order.
func (s *Server) InitData() []*drm.InitData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*drm.InitData(nil), s.inits...)
}

// Live reports whether keySetID was granted and not released.
func (s *Server) Live(keySetID []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keySets[string(keySetID)]
	return ok && !ks.released
}

// Scheme implements license.Engine.
func (s *Server) Scheme() uuid.UUID { return s.scheme }

// Acquire implements license.Engine.
func (s *Server) Acquire(ctx context.Context, init *drm.InitData) (license.Grant, error) {
	if err := s.enter(ctx, OpAcquire); err != nil {
		return license.Grant{}, err
	}
	if init == nil {
		return license.Grant{}, &license.ProtocolError{StatusCode: http.StatusBadRequest, Message: "missing init data"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits = append(s.inits, init)
	return s.grant(), nil
}

// Renew implements license.Engine.
func (s *Server) Renew(ctx context.Context, keySetID []byte) (license.Grant, error) {
	if err := s.enter(ctx, OpRenew); err != nil {
		return license.Grant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, err := s.live(keySetID)
	if err != nil {
		return license.Grant{}, err
	}
	if s.reuse {
		ks.issued = s.now()
		return license.Grant{KeySetID: keySetID, Duration: s.remaining(ks)}, nil
	}
	ks.released = true
	return s.grant(), nil
}

// Release implements license.Engine.
func (s *Server) Release(ctx context.Context, keySetID []byte) error {
	if err := s.enter(ctx, OpRelease); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, err := s.live(keySetID)
	if err != nil {
		return err
	}
	ks.released = true
	return nil
}

// QueryDuration implements license.Engine.
func (s *Server) QueryDuration(ctx context.Context, keySetID []byte) (license.DurationInfo, error) {
	if err := s.enter(ctx, OpQuery); err != nil {
		return license.DurationInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, err := s.live(keySetID)
	if err != nil {
		return license.DurationInfo{}, err
	}
	return s.remaining(ks), nil
}

// enter counts the call and applies the configured failure, hold and delay.
func (s *Server) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	err := s.fail[op]
	delete(s.fail, op)
	h := s.holds[op]
	delete(s.holds, op)
	d := s.delay[op]
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if h != nil {
		close(h.entered)
		select {
		case <-h.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// grant issues a key set. Callers hold s.mu.
func (s *Server) grant() license.Grant {
	var id string
	if s.reuse && s.issued > 0 {
		id = keySetID(1)
	} else {
		s.issued++
		id = keySetID(s.issued)
	}
	ks := &keySet{issued: s.now()}
	s.keySets[id] = ks
	return license.Grant{KeySetID: []byte(id), Duration: s.remaining(ks)}
}

// live returns a granted, unreleased key set. Callers hold s.mu.
func (s *Server) live(keySetID []byte) (*keySet, error) {
	ks, ok := s.keySets[string(keySetID)]
	if !ok || ks.released {
		return nil, &license.ProtocolError{StatusCode: http.StatusNotFound, Message: "unknown key set"}
	}
	return ks, nil
}

// remaining computes the validity left on ks. Callers hold s.mu.
func (s *Server) remaining(ks *keySet) license.DurationInfo {
	elapsed := s.now().Sub(ks.issued)
	return license.DurationInfo{
		License:  max(s.license-elapsed, 0),
		Playback: max(s.playback-elapsed, 0),
	}
}

// Decrypt checks keySetID the way a decryption layer would: a released or
// unknown key set is an invalid handle, an expired one is a key error.
func (s *Server) Decrypt(keySetID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, err := s.live(keySetID)
	if err != nil {
		return &fault.Error{Kind: fault.InvalidHandle, Op: "decrypt", KeySetID: keySetID, Source: err}
	}
	if s.remaining(ks).License <= 0 {
		return &fault.Error{Kind: fault.KeyExpired, Op: "decrypt", KeySetID: keySetID}
	}
	return nil
}

// Decryptor returns a consumer for Coordinator.Consume that decrypts with
// the key set of the handle it is given.
func (s *Server) Decryptor() func(license.Handle) error {
	return func(h license.Handle) error {
		return s.Decrypt(h.KeySetID)
	}
}

func keySetID(n int) string {
	return fmt.Sprintf("keyset-%06d", n)
}
