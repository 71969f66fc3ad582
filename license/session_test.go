package license_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"41.neocities.org/offline/drm"
	"41.neocities.org/offline/fault"
	"41.neocities.org/offline/license"
	"41.neocities.org/offline/license/licensetest"
)

var widevineInit = &drm.InitData{
	SchemeType: drm.SchemeCENC,
	Schemes: []drm.SchemeData{{
		Scheme:   drm.Widevine,
		MimeType: "video/mp4",
		KeyID:    []byte("0123456789abcdef"),
		Data:     []byte("pssh"),
	}},
}

type fixture struct {
	clock   *licensetest.Clock
	server  *licensetest.Server
	session *license.Session
}

func newFixture(t *testing.T, serverOpts []licensetest.Option, sessionOpts ...license.Option) *fixture {
	t.Helper()
	clock := licensetest.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	server := licensetest.NewServer(append([]licensetest.Option{licensetest.WithClock(clock.Now)}, serverOpts...)...)
	session := license.NewSession(server, append([]license.Option{license.WithClock(clock.Now)}, sessionOpts...)...)
	return &fixture{clock: clock, server: server, session: session}
}

func TestAcquire(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, license.Idle, f.session.State())

	h, err := f.session.Acquire(context.Background(), widevineInit)
	require.NoError(t, err)
	assert.NotEmpty(t, h.KeySetID)
	assert.Equal(t, f.session.ID(), h.Session)
	assert.Equal(t, license.Active, f.session.State())
	assert.Equal(t, f.clock.Now().Add(time.Hour), f.session.Expiry())

	current, ok := f.session.Current()
	require.True(t, ok)
	assert.Equal(t, h, current)
	require.NoError(t, f.session.Validate(h))

	inits := f.server.InitData()
	require.Len(t, inits, 1)
	assert.Same(t, widevineInit, inits[0])
}

func TestAcquireFailureRestoresState(t *testing.T) {
	f := newFixture(t, nil)
	f.server.FailNext(licensetest.OpAcquire, &license.ProtocolError{StatusCode: http.StatusForbidden})

	_, err := f.session.Acquire(context.Background(), widevineInit)
	require.Error(t, err)
	assert.Equal(t, fault.Acquisition, fault.KindOf(err))
	var protocol *license.ProtocolError
	require.True(t, errors.As(err, &protocol))
	assert.Equal(t, http.StatusForbidden, protocol.StatusCode)
	assert.Equal(t, license.Idle, f.session.State())
	_, ok := f.session.Current()
	assert.False(t, ok)
	assert.True(t, f.session.Expiry().IsZero())

	_, err = f.session.Acquire(context.Background(), widevineInit)
	require.NoError(t, err)
}

func TestAcquireWhileActive(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.session.Acquire(context.Background(), widevineInit)
	require.NoError(t, err)

	_, err = f.session.Acquire(context.Background(), widevineInit)
	assert.ErrorIs(t, err, fault.ErrBusy)
	assert.Equal(t, license.Active, f.session.State())
	assert.Equal(t, 1, f.server.Calls(licensetest.OpAcquire))
}

func TestReleaseInvalidatesHandle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	h, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)

	require.NoError(t, f.session.Release(ctx, h))
	assert.Equal(t, license.Released, f.session.State())
	assert.False(t, f.server.Live(h.KeySetID))
	_, ok := f.session.Current()
	assert.False(t, ok)

	_, err = f.session.Renew(ctx, h)
	assert.ErrorIs(t, err, fault.ErrInvalidHandle)
	_, err = f.session.QueryDuration(ctx, h)
	assert.ErrorIs(t, err, fault.ErrInvalidHandle)
	assert.ErrorIs(t, f.session.Release(ctx, h), fault.ErrInvalidHandle)
	assert.ErrorIs(t, f.session.Validate(h), fault.ErrInvalidHandle)
	assert.Equal(t, 1, f.server.Calls(licensetest.OpRelease))
}

func TestReacquireAfterRelease(t *testing.T) {
	f := newFixture(t, []licensetest.Option{licensetest.WithReusedKeySetIDs()})
	ctx := context.Background()

	first, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)
	require.NoError(t, f.session.Release(ctx, first))

	second, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first.KeySetID, second.KeySetID), "server reused the key set id")
	assert.NotEqual(t, first.Generation, second.Generation)

	assert.ErrorIs(t, f.session.Validate(first), fault.ErrInvalidHandle)
	require.NoError(t, f.session.Validate(second))
	_, err = f.session.QueryDuration(ctx, first)
	assert.ErrorIs(t, err, fault.ErrInvalidHandle)
}

func TestQueryDurationNonIncreasing(t *testing.T) {
	f := newFixture(t, []licensetest.Option{licensetest.WithDurations(time.Minute, 2*time.Minute)})
	ctx := context.Background()
	h, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)

	previous, err := f.session.QueryDuration(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(60), previous.LicenseSeconds())
	assert.Equal(t, int64(120), previous.PlaybackSeconds())
	for range 5 {
		f.clock.Advance(20 * time.Second)
		info, err := f.session.QueryDuration(ctx, h)
		require.NoError(t, err)
		assert.LessOrEqual(t, info.License, previous.License)
		assert.LessOrEqual(t, info.Playback, previous.Playback)
		assert.GreaterOrEqual(t, info.License, time.Duration(0))
		previous = info
	}
	assert.Zero(t, previous.LicenseSeconds())
	assert.Equal(t, license.Active, f.session.State(), "expiry does not change state")
}

func TestExpiredLicenseRenewal(t *testing.T) {
	f := newFixture(t, []licensetest.Option{licensetest.WithDurations(5*time.Second, 5*time.Second)})
	ctx := context.Background()
	h, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)

	info, err := f.session.QueryDuration(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.LicenseSeconds())

	f.clock.Advance(6 * time.Second)
	info, err = f.session.QueryDuration(ctx, h)
	require.NoError(t, err)
	assert.Zero(t, info.License)

	err = f.server.Decrypt(h.KeySetID)
	assert.Equal(t, fault.KeyExpired, fault.KindOf(err))

	renewed, err := f.session.Renew(ctx, h)
	require.NoError(t, err)
	assert.Greater(t, renewed.Generation, h.Generation)
	info, err = f.session.QueryDuration(ctx, renewed)
	require.NoError(t, err)
	assert.Positive(t, info.LicenseSeconds())
	require.NoError(t, f.server.Decrypt(renewed.KeySetID))

	assert.ErrorIs(t, f.session.Validate(h), fault.ErrInvalidHandle, "renewal supersedes the old handle")
	assert.Equal(t, f.clock.Now().Add(5*time.Second), f.session.Expiry())
}

func TestRenewFailureKeepsHandle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	h, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)
	f.server.FailNext(licensetest.OpRenew, &license.ProtocolError{StatusCode: http.StatusServiceUnavailable})

	_, err = f.session.Renew(ctx, h)
	require.Error(t, err)
	assert.Equal(t, fault.Renewal, fault.KindOf(err))
	assert.True(t, fault.Retryable(err))
	assert.Equal(t, license.Active, f.session.State())
	current, ok := f.session.Current()
	require.True(t, ok)
	assert.Equal(t, h, current)
}

func TestBusy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entered, release := f.server.Hold(licensetest.OpAcquire)
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Acquire(ctx, widevineInit)
		done <- err
	}()
	<-entered
	assert.Equal(t, license.Acquiring, f.session.State())
	_, ok := f.session.Current()
	assert.False(t, ok, "no partial handle while acquiring")

	_, err := f.session.Acquire(ctx, widevineInit)
	assert.ErrorIs(t, err, fault.ErrBusy)
	assert.False(t, fault.Retryable(err))

	release()
	require.NoError(t, <-done)
	assert.Equal(t, license.Active, f.session.State())
}

func TestRenewBusyDuringRelease(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	h, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)

	entered, release := f.server.Hold(licensetest.OpRelease)
	done := make(chan error, 1)
	go func() { done <- f.session.Release(ctx, h) }()
	<-entered

	_, err = f.session.Renew(ctx, h)
	assert.ErrorIs(t, err, fault.ErrBusy)
	_, err = f.session.QueryDuration(ctx, h)
	assert.ErrorIs(t, err, fault.ErrBusy, "one remote call at a time")

	release()
	require.NoError(t, <-done)
	assert.Zero(t, f.server.Calls(licensetest.OpQuery))
}

func TestQueryBusyDuringRenew(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	h, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)

	entered, release := f.server.Hold(licensetest.OpRenew)
	done := make(chan error, 1)
	go func() {
		_, err := f.session.Renew(ctx, h)
		done <- err
	}()
	<-entered

	_, err = f.session.QueryDuration(ctx, h)
	assert.ErrorIs(t, err, fault.ErrBusy)
	assert.False(t, fault.Retryable(err))

	release()
	require.NoError(t, <-done)
	assert.Zero(t, f.server.Calls(licensetest.OpQuery))
}

func TestRenewBusyDuringQuery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	h, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)

	entered, release := f.server.Hold(licensetest.OpQuery)
	done := make(chan error, 1)
	go func() {
		_, err := f.session.QueryDuration(ctx, h)
		done <- err
	}()
	<-entered

	_, err = f.session.Renew(ctx, h)
	assert.ErrorIs(t, err, fault.ErrBusy)
	assert.Equal(t, license.Active, f.session.State(), "queries leave the state alone")

	release()
	require.NoError(t, <-done)
	_, err = f.session.Renew(ctx, h)
	require.NoError(t, err, "the slot is free again")
}

func TestQueryFailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      fault.Kind
		retryable bool
	}{
		{"unavailable", &license.ProtocolError{StatusCode: http.StatusServiceUnavailable}, fault.Transport, true},
		{"throttled", &license.ProtocolError{StatusCode: http.StatusTooManyRequests}, fault.Transport, true},
		{"unknown key set", &license.ProtocolError{StatusCode: http.StatusNotFound}, fault.InvalidHandle, false},
		{"gone", &license.ProtocolError{StatusCode: http.StatusGone}, fault.InvalidHandle, false},
		{"forbidden", &license.ProtocolError{StatusCode: http.StatusForbidden}, fault.Unknown, false},
		{"connection", errors.New("connection reset"), fault.Transport, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			h, err := f.session.Acquire(ctx, widevineInit)
			require.NoError(t, err)
			f.server.FailNext(licensetest.OpQuery, test.err)

			_, err = f.session.QueryDuration(ctx, h)
			require.Error(t, err)
			assert.Equal(t, test.kind, fault.KindOf(err))
			assert.Equal(t, test.retryable, fault.Retryable(err))
			assert.ErrorIs(t, err, test.err)
			require.NoError(t, f.session.Validate(h), "a failed query keeps the handle")
		})
	}
}

func TestSupersededHandles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)

	h := first
	for range 20 {
		h, err = f.session.Renew(ctx, h)
		require.NoError(t, err)
	}
	for _, old := range []license.Handle{first, {Session: first.Session, Generation: 7, KeySetID: []byte("x")}} {
		err = f.session.Validate(old)
		assert.ErrorIs(t, err, fault.ErrInvalidHandle)
		assert.ErrorContains(t, err, "superseded")
	}
	future := h
	future.Generation++
	assert.ErrorContains(t, f.session.Validate(future), "unknown handle")
	require.NoError(t, f.session.Validate(h))

	require.NoError(t, f.session.Release(ctx, h))
	assert.ErrorContains(t, f.session.Validate(h), "released")
	assert.ErrorContains(t, f.session.Validate(first), "superseded")
}

func TestAcquireTimeout(t *testing.T) {
	f := newFixture(t, nil, license.WithTimeouts(20*time.Millisecond, 0))
	f.server.Delay(licensetest.OpAcquire, time.Minute)

	_, err := f.session.Acquire(context.Background(), widevineInit)
	require.Error(t, err)
	assert.Equal(t, fault.Acquisition, fault.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, fault.Retryable(err))
	assert.Equal(t, license.Idle, f.session.State())
	_, ok := f.session.Current()
	assert.False(t, ok)
}

func TestRenewTimeout(t *testing.T) {
	f := newFixture(t, nil)
	h, err := f.session.Acquire(context.Background(), widevineInit)
	require.NoError(t, err)
	f.server.Delay(licensetest.OpRenew, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.session.Renew(ctx, h)
	assert.Equal(t, fault.Renewal, fault.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, fault.Retryable(err))
	require.NoError(t, f.session.Validate(h))
	assert.Equal(t, license.Active, f.session.State())
}

func TestReleaseTimeout(t *testing.T) {
	f := newFixture(t, nil, license.WithTimeouts(0, 20*time.Millisecond))
	ctx := context.Background()
	h, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)
	f.server.Delay(licensetest.OpRelease, time.Minute)

	err = f.session.Release(ctx, h)
	require.Error(t, err)
	assert.Equal(t, fault.Release, fault.KindOf(err))
	assert.False(t, fault.Retryable(err))
	var ferr *fault.Error
	require.True(t, errors.As(err, &ferr))
	assert.True(t, ferr.Indeterminate)

	assert.Equal(t, license.Released, f.session.State())
	assert.ErrorIs(t, f.session.Release(ctx, h), fault.ErrInvalidHandle)
	assert.Equal(t, 1, f.server.Calls(licensetest.OpRelease), "never released again automatically")
}

func TestReleaseRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	h, err := f.session.Acquire(ctx, widevineInit)
	require.NoError(t, err)
	f.server.FailNext(licensetest.OpRelease, &license.ProtocolError{StatusCode: http.StatusInternalServerError})

	err = f.session.Release(ctx, h)
	assert.Equal(t, fault.Release, fault.KindOf(err))
	assert.True(t, fault.Retryable(err))
	require.NoError(t, f.session.Validate(h))

	require.NoError(t, f.session.Release(ctx, h))
	assert.Equal(t, license.Released, f.session.State())
}

func TestSessionsIndependent(t *testing.T) {
	clock := licensetest.NewClock(time.Now())
	server := licensetest.NewServer(licensetest.WithClock(clock.Now))
	renewing := license.NewSession(server)
	acquiring := license.NewSession(server)
	ctx := context.Background()

	h1, err := renewing.Acquire(ctx, widevineInit)
	require.NoError(t, err)

	entered, release := server.Hold(licensetest.OpAcquire)
	done := make(chan license.Handle, 1)
	go func() {
		h, err := acquiring.Acquire(ctx, widevineInit)
		assert.NoError(t, err)
		done <- h
	}()
	<-entered

	h1, err = renewing.Renew(ctx, h1)
	require.NoError(t, err)
	release()
	h2 := <-done

	assert.NotEqual(t, h1.Session, h2.Session)
	assert.ErrorIs(t, renewing.Validate(h2), fault.ErrInvalidHandle)
	assert.ErrorIs(t, acquiring.Validate(h1), fault.ErrInvalidHandle)
	require.NoError(t, renewing.Validate(h1))
	require.NoError(t, acquiring.Validate(h2))
}

func TestAcquireWithoutInitData(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.session.Acquire(context.Background(), nil)
	assert.Equal(t, fault.Acquisition, fault.KindOf(err))
	var protocol *license.ProtocolError
	require.True(t, errors.As(err, &protocol))
	assert.Equal(t, http.StatusBadRequest, protocol.StatusCode)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "renewing", license.Renewing.String())
	assert.Equal(t, "invalid", license.State(99).String())
	assert.True(t, license.Handle{}.IsZero())
}
