// Package manifest models the parts of a DASH presentation needed to find
// protection data: periods, adaptation sets and their representations.
package manifest

import (
	"net/url"

	"41.neocities.org/offline/drm"
	"41.neocities.org/offline/transport"
)

// TrackType classifies an adaptation set.
type TrackType int

const (
	Unknown TrackType = iota
	Video
	Audio
	Text
)

func (t TrackType) String() string {
	switch t {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Text:
		return "text"
	}
	return "unknown"
}

// Manifest is a loaded presentation.
type Manifest struct {
	URL     *url.URL
	Periods []*Period
}

// Period returns the i-th period.
func (m *Manifest) Period(i int) (*Period, bool) {
	if i < 0 || i >= len(m.Periods) {
		return nil, false
	}
	return m.Periods[i], true
}

// Period keeps its adaptation sets in declared order.
type Period struct {
	ID             string
	AdaptationSets []*AdaptationSet
}

// AdaptationSet keeps its representations in declared order.
type AdaptationSet struct {
	ID              int
	Type            TrackType
	MimeType        string
	Representations []*Representation
}

// Representation is one encoding of a track.
type Representation struct {
	ID             string
	Format         Format
	BaseURL        *url.URL
	Initialization *RangedURI // nil when no initialization segment is declared
}

// RangedURI addresses a resource, or a byte range of one.
type RangedURI struct {
	URL   *url.URL
	Range *transport.ByteRange
}

// Request returns an uncompressed fetch of r, as byte ranges must not be
// transfer-compressed.
func (r *RangedURI) Request() transport.Request {
	return transport.Request{URL: r.URL, Range: r.Range}
}

// Format describes a representation, either as declared by the manifest or
// as read from its media container.
type Format struct {
	ID        string
	MimeType  string
	Codecs    string
	Bandwidth uint64
	Width     int
	Height    int
	InitData  *drm.InitData
}

// WithManifestInfo refines f, a format read from the media, with the
// manifest-declared format m. Fields f leaves empty come from m; for init
// data the values of f win per DRM system.
func (f Format) WithManifestInfo(m Format) Format {
	if f.ID == "" {
		f.ID = m.ID
	}
	if f.MimeType == "" {
		f.MimeType = m.MimeType
	}
	if f.Codecs == "" {
		f.Codecs = m.Codecs
	}
	if f.Bandwidth == 0 {
		f.Bandwidth = m.Bandwidth
	}
	if f.Width == 0 {
		f.Width = m.Width
	}
	if f.Height == 0 {
		f.Height = m.Height
	}
	f.InitData = drm.Merge(m.InitData, f.InitData)
	return f
}
