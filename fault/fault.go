// Package fault defines the error kinds shared by the transport, manifest and
// license packages. Every error that crosses a package boundary is a *Error
// whose Kind can be matched directly, without walking a cause chain.
package fault

import (
	"encoding/hex"
	"errors"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	Unknown Kind = iota
	// Transport is a network or I/O failure.
	Transport
	// Parse is malformed manifest or container data.
	Parse
	// Acquisition is a rejected or failed license acquisition.
	Acquisition
	// Renewal is a rejected or failed license renewal.
	Renewal
	// Release is a rejected or failed license release.
	Release
	// InvalidHandle is the use of a released or unknown key set handle.
	InvalidHandle
	// KeyExpired is reported by the decryption layer when a key is rejected.
	KeyExpired
	// Busy is a mutating call issued while another one is in flight.
	Busy
)

var kindNames = [...]string{
	Unknown:       "unknown",
	Transport:     "transport",
	Parse:         "parse",
	Acquisition:   "license acquisition",
	Renewal:       "license renewal",
	Release:       "license release",
	InvalidHandle: "invalid handle",
	KeyExpired:    "key expired",
	Busy:          "session busy",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[Unknown]
	}
	return kindNames[k]
}

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind     Kind
	Op       string // operation name, e.g. "acquire"
	Session  string // license session id, when known
	KeySetID []byte // key set id the operation was about, when known
	Source   error
	// Indeterminate marks a failure after which the server state is unknown,
	// such as a release that timed out.
	Indeterminate bool
}

// New returns an Error of the given kind.
func New(kind Kind, op string, source error) *Error {
	return &Error{Kind: kind, Op: op, Source: source}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Session != "" {
		b.WriteString(" session=")
		b.WriteString(e.Session)
	}
	if len(e.KeySetID) > 0 {
		b.WriteString(" key_set=")
		b.WriteString(hex.EncodeToString(e.KeySetID))
	}
	if e.Source != nil {
		b.WriteString(": ")
		b.WriteString(e.Source.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Source
}

// Is reports whether target is an *Error of the same kind. It lets the
// sentinels below be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Source == nil
}

// Retryable reports whether repeating the operation may succeed without new
// input.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Transport, Acquisition, Renewal, KeyExpired:
		return true
	case Release:
		return !e.Indeterminate
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrTransport     = &Error{Kind: Transport}
	ErrParse         = &Error{Kind: Parse}
	ErrAcquisition   = &Error{Kind: Acquisition}
	ErrRenewal       = &Error{Kind: Renewal}
	ErrRelease       = &Error{Kind: Release}
	ErrInvalidHandle = &Error{Kind: InvalidHandle}
	ErrKeyExpired    = &Error{Kind: KeyExpired}
	ErrBusy          = &Error{Kind: Busy}
)

// KindOf returns the kind of the outermost *Error in err, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retryable reports whether err is a retryable *Error.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
