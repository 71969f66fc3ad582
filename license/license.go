// Package license tracks one offline key set through its lifecycle:
// acquisition, renewal, duration queries and release. The remote handshake
// itself is delegated to an Engine.
package license

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"41.neocities.org/offline/drm"
)

// Handle refers to a key set granted to a session. Session and Generation
// make every acquisition and renewal distinct, even when the server hands
// out byte-equal key set ids.
type Handle struct {
	Session    string
	Generation uint64
	KeySetID   []byte
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.Session == "" && h.Generation == 0 && len(h.KeySetID) == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d:%s", h.Session, h.Generation, hex.EncodeToString(h.KeySetID))
}

// State of a Session. Acquiring and Renewing only exist while the remote
// call is in flight.
type State int

const (
	Idle State = iota
	Acquiring
	Active
	Renewing
	Released
)

var stateNames = [...]string{
	Idle:      "idle",
	Acquiring: "acquiring",
	Active:    "active",
	Renewing:  "renewing",
	Released:  "released",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// DurationInfo is the remaining validity of a key set. Both values are
// clamped at zero.
type DurationInfo struct {
	License  time.Duration
	Playback time.Duration
}

// LicenseSeconds returns the remaining license duration in whole seconds.
func (d DurationInfo) LicenseSeconds() int64 {
	return int64(d.License / time.Second)
}

// PlaybackSeconds returns the remaining playback duration in whole seconds.
func (d DurationInfo) PlaybackSeconds() int64 {
	return int64(d.Playback / time.Second)
}

func (d DurationInfo) clamp() DurationInfo {
	d.License = max(d.License, 0)
	d.Playback = max(d.Playback, 0)
	return d
}

// Grant is a successful acquisition or renewal.
type Grant struct {
	KeySetID []byte
	Duration DurationInfo
}

// Engine performs the remote license protocol of one DRM system. Calls are
// blocking and must honour ctx. Failures reported by the server should be
// *ProtocolError values.
type Engine interface {
	Scheme() uuid.UUID
	Acquire(ctx context.Context, init *drm.InitData) (Grant, error)
	Renew(ctx context.Context, keySetID []byte) (Grant, error)
	Release(ctx context.Context, keySetID []byte) error
	QueryDuration(ctx context.Context, keySetID []byte) (DurationInfo, error)
}

// ProtocolError is a failure reported by the license server.
type ProtocolError struct {
	StatusCode int
	Message    string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("license server status %d", e.StatusCode)
	}
	return fmt.Sprintf("license server status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the server may accept the same request later.
func (e *ProtocolError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}
