package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/unki2aut/go-mpd"

	"41.neocities.org/offline/drm"
	"41.neocities.org/offline/fault"
	"41.neocities.org/offline/transport"
)

var templateRE = regexp.MustCompile(`\$([A-Za-z]*)(?:%0(\d+)d)?\$`)

// Load fetches and decodes the MPD at uri. The fetch may be transfer
// compressed.
func Load(ctx context.Context, ds transport.DataSource, uri string) (*Manifest, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fault.New(fault.Parse, "load manifest", err)
	}
	data, err := ds.Fetch(ctx, transport.Request{URL: u, AllowGzip: true})
	if err != nil {
		return nil, err
	}
	return Decode(data, u)
}

// Decode decodes an MPD document. Relative URLs are resolved against base.
func Decode(data []byte, base *url.URL) (*Manifest, error) {
	doc := &mpd.MPD{}
	if err := doc.Decode(data); err != nil {
		return nil, fault.New(fault.Parse, "decode manifest", err)
	}
	if len(doc.Period) == 0 {
		return nil, fault.New(fault.Parse, "decode manifest", errors.New("no periods"))
	}
	ext, err := decodeExtension(data)
	if err != nil {
		return nil, fault.New(fault.Parse, "decode manifest", err)
	}
	if base == nil {
		base = &url.URL{}
	}
	m := &Manifest{URL: base}
	mpdBase := resolveBase(base, doc.BaseURL)
	for i, period := range doc.Period {
		p := &Period{ID: strconv.Itoa(i)}
		periodBase := resolveBase(mpdBase, period.BaseURL)
		for j, set := range period.AdaptationSets {
			if set == nil {
				continue
			}
			a, err := adaptationSet(j, set, ext.adaptationSet(i, j), periodBase)
			if err != nil {
				return nil, fault.New(fault.Parse, "decode manifest", err)
			}
			p.AdaptationSets = append(p.AdaptationSets, a)
		}
		m.Periods = append(m.Periods, p)
	}
	return m, nil
}

func adaptationSet(index int, set *mpd.AdaptationSet, extSet *extAdaptationSet, base *url.URL) (*AdaptationSet, error) {
	setBase := resolveBase(base, set.BaseURL)
	a := &AdaptationSet{ID: index, MimeType: set.MimeType}
	var contentType, setCodecs string
	if set.ContentType != nil {
		contentType = *set.ContentType
	}
	if set.Codecs != nil {
		setCodecs = *set.Codecs
	}
	a.Type = classify(set.MimeType, contentType, setCodecs)
	for i, rep := range set.Representations {
		extRep := extSet.representation(i)
		codecs := setCodecs
		if rep.Codecs != nil {
			codecs = *rep.Codecs
		}
		if a.Type == Unknown {
			a.Type = classify(set.MimeType, contentType, codecs)
		}
		r := &Representation{
			ID:      strconv.Itoa(i),
			BaseURL: resolveBase(setBase, rep.BaseURL),
			Format: Format{
				MimeType: set.MimeType,
				Codecs:   codecs,
			},
		}
		if rep.ID != nil {
			r.ID = *rep.ID
		}
		r.Format.ID = r.ID
		if rep.Bandwidth != nil {
			r.Format.Bandwidth = *rep.Bandwidth
		}
		if rep.Width != nil {
			r.Format.Width = int(*rep.Width)
		}
		if rep.Height != nil {
			r.Format.Height = int(*rep.Height)
		}

		initURI, err := initialization(set, &rep, extSet, extRep, r)
		if err != nil {
			return nil, fmt.Errorf("representation %s: %w", r.ID, err)
		}
		r.Initialization = initURI

		// representation descriptors replace those of the set
		var protections []protection
		if len(rep.ContentProtections) > 0 {
			for j, p := range rep.ContentProtections {
				protections = append(protections, protection{p.SchemeIDURI, p.CencDefaultKeyId, extRep.protection(j)})
			}
		} else {
			for j, p := range set.ContentProtections {
				protections = append(protections, protection{p.SchemeIDURI, p.CencDefaultKeyId, extSet.protection(j)})
			}
		}
		init, err := initData(protections, set.MimeType)
		if err != nil {
			return nil, fmt.Errorf("representation %s: %w", r.ID, err)
		}
		r.Format.InitData = init
		a.Representations = append(a.Representations, r)
	}
	return a, nil
}

// initialization returns the initialization segment of rep. Templates,
// lists and SegmentBase of the representation take precedence over those of
// its set.
func initialization(set *mpd.AdaptationSet, rep *mpd.Representation, extSet *extAdaptationSet, extRep *extRepresentation, r *Representation) (*RangedURI, error) {
	if u, err := templateInit(rep.SegmentTemplate, r); err != nil || u != nil {
		return u, err
	}
	if extRep != nil {
		if u, err := segmentInit(extRep.SegmentList, extRep.SegmentBase, r.BaseURL); err != nil || u != nil {
			return u, err
		}
	}
	if u, err := templateInit(set.SegmentTemplate, r); err != nil || u != nil {
		return u, err
	}
	if extSet != nil {
		return segmentInit(extSet.SegmentList, extSet.SegmentBase, r.BaseURL)
	}
	return nil, nil
}

func templateInit(template *mpd.SegmentTemplate, r *Representation) (*RangedURI, error) {
	if template == nil || template.Initialization == nil {
		return nil, nil
	}
	ref, err := url.Parse(expandTemplate(*template.Initialization, r.ID, r.Format.Bandwidth))
	if err != nil {
		return nil, fmt.Errorf("initialization: %w", err)
	}
	return &RangedURI{URL: r.BaseURL.ResolveReference(ref)}, nil
}

type protection struct {
	schemeIDURI  *string
	defaultKeyID *string
	ext          extProtection
}

// initData maps ContentProtection descriptors. The mp4protection descriptor
// contributes the default KID shared by every system.
func initData(protections []protection, mimeType string) (*drm.InitData, error) {
	var (
		out       drm.InitData
		commonKID []byte
		found     bool
	)
	for _, p := range protections {
		if p.schemeIDURI == nil {
			continue
		}
		system, ok := drm.ParseSchemeURI(*p.schemeIDURI)
		if !ok {
			continue
		}
		found = true
		var kid []byte
		if p.defaultKeyID != nil && *p.defaultKeyID != "" {
			id, err := uuid.Parse(strings.TrimSpace(*p.defaultKeyID))
			if err != nil {
				return nil, fmt.Errorf("default_KID %q: %w", *p.defaultKeyID, err)
			}
			kid = id[:]
		}
		if system == drm.Common {
			out.SchemeType = drm.SchemeCENC
			commonKID = kid
			continue
		}
		var data []byte
		box, err := p.ext.psshBox()
		if err != nil {
			return nil, err
		}
		if box != nil {
			if data, err = drm.FromPsshBox(box, system); err != nil {
				return nil, err
			}
		}
		out.Schemes = append(out.Schemes, drm.SchemeData{
			Scheme: system, MimeType: mimeType, KeyID: kid, Data: data,
		})
	}
	if !found {
		return nil, nil
	}
	if len(out.Schemes) == 0 {
		out.Schemes = append(out.Schemes, drm.SchemeData{
			Scheme: drm.Common, MimeType: mimeType, KeyID: commonKID,
		})
	}
	for i := range out.Schemes {
		if out.Schemes[i].KeyID == nil {
			out.Schemes[i].KeyID = commonKID
		}
	}
	return &out, nil
}

func classify(mimeType, contentType, codecs string) TrackType {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return Video
	case strings.HasPrefix(mimeType, "audio/"):
		return Audio
	case strings.HasPrefix(mimeType, "text/"), mimeType == "application/ttml+xml":
		return Text
	}
	switch strings.ToLower(contentType) {
	case "video":
		return Video
	case "audio":
		return Audio
	case "text":
		return Text
	}
	codec, _, _ := strings.Cut(strings.ToLower(codecs), ".")
	switch codec {
	case "avc1", "avc3", "hev1", "hvc1", "vp09", "vp9", "av01", "dvh1", "dvhe":
		return Video
	case "mp4a", "ac-3", "ec-3", "opus", "flac":
		return Audio
	case "stpp", "wvtt":
		return Text
	}
	return Unknown
}

// expandTemplate substitutes the identifiers an initialization template may
// carry. $$ is a literal dollar sign.
func expandTemplate(template, id string, bandwidth uint64) string {
	return templateRE.ReplaceAllStringFunc(template, func(match string) string {
		sub := templateRE.FindStringSubmatch(match)
		width := 0
		if sub[2] != "" {
			width, _ = strconv.Atoi(sub[2])
		}
		switch sub[1] {
		case "":
			return "$"
		case "RepresentationID":
			return id
		case "Bandwidth":
			if width > 0 {
				return fmt.Sprintf("%0*d", width, bandwidth)
			}
			return strconv.FormatUint(bandwidth, 10)
		}
		return match
	})
}

func resolveBase(base *url.URL, baseURLs []*mpd.BaseURL) *url.URL {
	if len(baseURLs) > 0 && baseURLs[0] != nil && baseURLs[0].Value != "" {
		if ref, err := url.Parse(strings.TrimSpace(baseURLs[0].Value)); err == nil {
			return base.ResolveReference(ref)
		}
	}
	return base
}
