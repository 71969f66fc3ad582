package manifest

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"41.neocities.org/offline/transport"
)

// extension holds the parts of an MPD the mpd package leaves out:
// SegmentBase and SegmentList initialization, and the cenc:pssh element of
// ContentProtection. Its element tree follows mpd.MPD, so periods, sets and
// representations line up by index.
type extension struct {
	Periods []extPeriod `xml:"Period"`
}

type extPeriod struct {
	AdaptationSets []extAdaptationSet `xml:"AdaptationSet"`
}

type extAdaptationSet struct {
	SegmentBase        *segmentBase        `xml:"SegmentBase"`
	SegmentList        *segmentList        `xml:"SegmentList"`
	ContentProtections []extProtection     `xml:"ContentProtection"`
	Representations    []extRepresentation `xml:"Representation"`
}

type extRepresentation struct {
	SegmentBase        *segmentBase    `xml:"SegmentBase"`
	SegmentList        *segmentList    `xml:"SegmentList"`
	ContentProtections []extProtection `xml:"ContentProtection"`
}

type segmentBase struct {
	IndexRange     string   `xml:"indexRange,attr"`
	Initialization *urlType `xml:"Initialization"`
}

type segmentList struct {
	Initialization *urlType `xml:"Initialization"`
}

// urlType is the DASH URLType of Initialization elements.
type urlType struct {
	SourceURL string `xml:"sourceURL,attr"`
	Range     string `xml:"range,attr"`
}

type extProtection struct {
	Pssh string `xml:"pssh"` // base64 pssh box, any namespace
}

func decodeExtension(data []byte) (*extension, error) {
	var ext extension
	if err := xml.Unmarshal(data, &ext); err != nil {
		return nil, err
	}
	return &ext, nil
}

func (e *extension) adaptationSet(period, set int) *extAdaptationSet {
	if e == nil || period >= len(e.Periods) || set >= len(e.Periods[period].AdaptationSets) {
		return nil
	}
	return &e.Periods[period].AdaptationSets[set]
}

func (a *extAdaptationSet) representation(i int) *extRepresentation {
	if a == nil || i >= len(a.Representations) {
		return nil
	}
	return &a.Representations[i]
}

func (a *extAdaptationSet) protection(i int) extProtection {
	if a == nil || i >= len(a.ContentProtections) {
		return extProtection{}
	}
	return a.ContentProtections[i]
}

func (r *extRepresentation) protection(i int) extProtection {
	if r == nil || i >= len(r.ContentProtections) {
		return extProtection{}
	}
	return r.ContentProtections[i]
}

// segmentInit returns the SegmentList initialization, else the SegmentBase
// one, or nil when neither declares it.
func segmentInit(list *segmentList, sb *segmentBase, base *url.URL) (*RangedURI, error) {
	if list != nil && list.Initialization != nil {
		return list.Initialization.rangedURI(base)
	}
	if sb != nil && sb.Initialization != nil {
		return sb.Initialization.rangedURI(base)
	}
	return nil, nil
}

// rangedURI resolves u against base. A missing sourceURL addresses base
// itself.
func (u *urlType) rangedURI(base *url.URL) (*RangedURI, error) {
	out := &RangedURI{URL: base}
	if u.SourceURL != "" {
		ref, err := url.Parse(strings.TrimSpace(u.SourceURL))
		if err != nil {
			return nil, fmt.Errorf("initialization sourceURL: %w", err)
		}
		out.URL = base.ResolveReference(ref)
	}
	if u.Range != "" {
		r, err := transport.ParseByteRange(u.Range)
		if err != nil {
			return nil, fmt.Errorf("initialization: %w", err)
		}
		out.Range = &r
	}
	return out, nil
}

func (p extProtection) psshBox() ([]byte, error) {
	raw := strings.Join(strings.Fields(p.Pssh), "")
	if raw == "" {
		return nil, nil
	}
	box, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("cenc:pssh: %w", err)
	}
	return box, nil
}
