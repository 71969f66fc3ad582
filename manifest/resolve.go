package manifest

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"41.neocities.org/offline/drm"
	"41.neocities.org/offline/fault"
	"41.neocities.org/offline/internal/log"
	"41.neocities.org/offline/transport"
)

// Resolver defaults.
const (
	DefaultCacheSize    = 256
	DefaultFetchTimeout = 30 * time.Second
)

var sampleFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_sample_format_fetches_total",
	Help: "Initialization segment reads by result (ok, error, cached, canceled).",
}, []string{"result"})

// Resolver extracts protection init data from a period. It reads each
// initialization segment at most once: concurrent callers share one fetch
// and the outcome is remembered, errors excepted. Segments are identified by
// URL and byte range, so manifests decoded again hit the same entries.
type Resolver struct {
	factory transport.Factory
	timeout time.Duration
	size    int
	group   singleflight.Group
	cache   *lru.Cache[string, *Format]
	logger  zerolog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheSize bounds the number of remembered segments.
func WithCacheSize(n int) ResolverOption {
	return func(r *Resolver) { r.size = n }
}

// WithFetchTimeout bounds a shared segment fetch. It runs detached from the
// callers waiting on it, so this is its only deadline.
func WithFetchTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// NewResolver returns an empty resolver reading segments through data
// sources of factory.
func NewResolver(factory transport.Factory, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		factory: factory,
		timeout: DefaultFetchTimeout,
		size:    DefaultCacheSize,
		logger:  log.WithComponent("manifest"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.size <= 0 {
		r.size = DefaultCacheSize
	}
	// only fails for a non-positive size
	r.cache, _ = lru.New[string, *Format](r.size)
	return r
}

// InitData returns the init data of the first video representation of p,
// falling back to audio. The sample-level format read from the media, when
// there is one, refines the manifest-declared format. It returns nil when the
// period has neither track or the track is not protected.
func (r *Resolver) InitData(ctx context.Context, p *Period) (*drm.InitData, error) {
	rep, trackType, ok := PreferredRepresentation(p)
	if !ok {
		return nil, nil
	}
	sample, err := r.SampleFormat(ctx, trackType, rep)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return rep.Format.InitData, nil
	}
	return sample.WithManifestInfo(rep.Format).InitData, nil
}

// SampleFormat reads the format of rep from its initialization segment. It
// returns nil when rep declares no initialization segment or the segment has
// no movie box. A caller whose ctx ends stops waiting; the shared fetch
// carries on for the others.
func (r *Resolver) SampleFormat(ctx context.Context, t TrackType, rep *Representation) (*Format, error) {
	if rep.Initialization == nil {
		return nil, nil
	}
	key := cacheKey(rep)
	if format, ok := r.cache.Get(key); ok {
		sampleFetches.WithLabelValues("cached").Inc()
		return format, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		format, err := r.readSampleFormat(fetchCtx, t, rep)
		if err != nil {
			sampleFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		sampleFetches.WithLabelValues("ok").Inc()
		r.cache.Add(key, format)
		return format, nil
	})
	select {
	case <-ctx.Done():
		sampleFetches.WithLabelValues("canceled").Inc()
		return nil, fault.New(fault.Transport, "sample format", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Format), nil
	}
}

func cacheKey(rep *Representation) string {
	key := rep.Initialization.URL.String()
	if rep.Initialization.Range != nil {
		key += " " + rep.Initialization.Range.Header()
	}
	return key + " " + rep.Format.MimeType
}

func (r *Resolver) readSampleFormat(ctx context.Context, t TrackType, rep *Representation) (*Format, error) {
	ds := r.factory.NewDataSource()
	defer ds.Close()
	data, err := ds.Fetch(ctx, rep.Initialization.Request())
	if err != nil {
		return nil, err
	}
	init, err := drm.FromInitSegment(data, rep.Format.MimeType)
	if err != nil {
		return nil, fmt.Errorf("representation %s: %w", rep.ID, err)
	}
	r.logger.Debug().
		Str("representation", rep.ID).
		Stringer("track", t).
		Stringer("init_data", init).
		Msg("sample format")
	if init == nil {
		return nil, nil
	}
	return &Format{MimeType: rep.Format.MimeType, InitData: init}, nil
}
