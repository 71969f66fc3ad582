package drm

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SchemeData is the initialization data of one DRM system.
type SchemeData struct {
	Scheme   uuid.UUID
	MimeType string
	KeyID    []byte // default KID, 16 bytes when known
	Data     []byte // PSSH payload
}

// HasData reports whether d carries a PSSH payload.
func (d SchemeData) HasData() bool {
	return len(d.Data) > 0
}

func (d SchemeData) String() string {
	return fmt.Sprintf("%s kid=%s pssh=%d bytes", Name(d.Scheme), hex.EncodeToString(d.KeyID), len(d.Data))
}

// InitData is the protection initialization data of a track. A nil *InitData
// means the track is not protected. Values are read-only once produced.
type InitData struct {
	SchemeType string // "cenc", "cbcs", or empty when unknown
	Schemes    []SchemeData
}

// Get returns the data of the given system.
func (d *InitData) Get(scheme uuid.UUID) (SchemeData, bool) {
	if d == nil {
		return SchemeData{}, false
	}
	for _, s := range d.Schemes {
		if s.Scheme == scheme {
			return s, true
		}
	}
	return SchemeData{}, false
}

// KeyID returns the first known default KID.
func (d *InitData) KeyID() []byte {
	if d == nil {
		return nil
	}
	for _, s := range d.Schemes {
		if len(s.KeyID) > 0 {
			return s.KeyID
		}
	}
	return nil
}

// Equal reports whether d and o carry the same data in the same order.
func (d *InitData) Equal(o *InitData) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.SchemeType != o.SchemeType || len(d.Schemes) != len(o.Schemes) {
		return false
	}
	for i, s := range d.Schemes {
		t := o.Schemes[i]
		if s.Scheme != t.Scheme || s.MimeType != t.MimeType ||
			!bytes.Equal(s.KeyID, t.KeyID) || !bytes.Equal(s.Data, t.Data) {
			return false
		}
	}
	return true
}

func (d *InitData) String() string {
	if d == nil {
		return "unprotected"
	}
	parts := make([]string, len(d.Schemes))
	for i, s := range d.Schemes {
		parts[i] = s.String()
	}
	return fmt.Sprintf("%s [%s]", d.SchemeType, strings.Join(parts, ", "))
}

// Merge combines manifest-declared data with data read from the media. The
// sample values win for every system both declare; fields the sample leaves
// empty, and systems only the manifest declares, come from the manifest.
// Either side may be nil.
func Merge(manifest, sample *InitData) *InitData {
	switch {
	case sample == nil:
		return manifest
	case manifest == nil:
		return sample
	}
	out := &InitData{SchemeType: sample.SchemeType}
	if out.SchemeType == "" {
		out.SchemeType = manifest.SchemeType
	}
	for _, s := range sample.Schemes {
		if m, ok := manifest.Get(s.Scheme); ok {
			if len(s.KeyID) == 0 {
				s.KeyID = m.KeyID
			}
			if len(s.Data) == 0 {
				s.Data = m.Data
			}
			if s.MimeType == "" {
				s.MimeType = m.MimeType
			}
		}
		out.Schemes = append(out.Schemes, s)
	}
	for _, m := range manifest.Schemes {
		if _, ok := sample.Get(m.Scheme); !ok {
			out.Schemes = append(out.Schemes, m)
		}
	}
	return out
}
