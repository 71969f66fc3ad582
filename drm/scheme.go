// Package drm holds the protection initialization data carried by manifests
// and init segments, keyed by DRM system.
package drm

import (
	"strings"

	"github.com/google/uuid"
)

// DRM system identifiers.
var (
	Widevine  = uuid.MustParse("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")
	PlayReady = uuid.MustParse("9a04f079-9840-4286-ab92-e65be0885f95")
	ClearKey  = uuid.MustParse("e2719d58-a985-b3c9-781a-b030af78d30e")
	// Common marks scheme-agnostic data such as the mp4protection default KID.
	Common = uuid.Nil
)

// Known lists the systems whose PSSH boxes are extracted from init segments.
var Known = []uuid.UUID{Widevine, PlayReady, ClearKey}

// Scheme types carried by the mp4protection descriptor.
const (
	SchemeCENC = "cenc"
	SchemeCBCS = "cbcs"
)

// MP4Protection is the scheme URI of the scheme-agnostic descriptor.
const MP4Protection = "urn:mpeg:dash:mp4protection:2011"

// ParseSchemeURI returns the system id of a ContentProtection schemeIdUri.
// The mp4protection URI maps to Common.
func ParseSchemeURI(uri string) (uuid.UUID, bool) {
	uri = strings.TrimSpace(strings.ToLower(uri))
	if uri == MP4Protection {
		return Common, true
	}
	raw, ok := strings.CutPrefix(uri, "urn:uuid:")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Name returns a short name for a system id.
func Name(id uuid.UUID) string {
	switch id {
	case Widevine:
		return "widevine"
	case PlayReady:
		return "playready"
	case ClearKey:
		return "clearkey"
	case Common:
		return "common"
	}
	return id.String()
}
