package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"41.neocities.org/offline/fault"
	"41.neocities.org/offline/internal/log"
)

// Policy decides per request whether it is logged ('L') and whether it goes
// through the proxy from the environment ('P'). An empty result does neither.
type Policy func(*http.Request) string

// LogAll logs every request and never proxies.
func LogAll(*http.Request) string { return "L" }

// StatusError is returned as the source of a transport fault when the server
// answers with anything other than 200 or 206.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// HTTPFactory builds HTTP data sources. Every data source owns its own
// connection pool, so closing it never affects other operations.
type HTTPFactory struct {
	UserAgent string
	Timeout   time.Duration // per request, 0 means none
	Policy    Policy
	// HTTP1Only keeps TLS connections from negotiating HTTP/2.
	HTTP1Only bool
	logger    zerolog.Logger
}

// NewHTTPFactory returns a factory for HTTP data sources.
func NewHTTPFactory(userAgent string, policy Policy) *HTTPFactory {
	return &HTTPFactory{
		UserAgent: userAgent,
		Policy:    policy,
		logger:    log.WithComponent("transport"),
	}
}

// NewDataSource implements Factory.
func (f *HTTPFactory) NewDataSource() DataSource {
	logger := f.logger
	policy := f.Policy
	// github.com/golang/go/issues/25793
	rt := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			if policy == nil {
				return nil, nil
			}
			flags := policy(req)
			if strings.ContainsRune(flags, 'L') {
				logger.Info().Str("method", req.Method).Str(log.FieldURL, req.URL.String()).Msg("request")
			}
			if strings.ContainsRune(flags, 'P') {
				return http.ProxyFromEnvironment(req)
			}
			return nil, nil
		},
		MaxIdleConnsPerHost: 1,
	}
	if f.HTTP1Only {
		rt.TLSClientConfig = &tls.Config{NextProtos: []string{"http/1.1"}}
	}
	return &httpSource{
		client:    &http.Client{Transport: rt, Timeout: f.Timeout},
		transport: rt,
		userAgent: f.UserAgent,
	}
}

type httpSource struct {
	client    *http.Client
	transport *http.Transport
	userAgent string
	closed    bool
}

func (s *httpSource) Fetch(ctx context.Context, r Request) ([]byte, error) {
	if s.closed {
		return nil, fault.New(fault.Transport, "fetch", errors.New("data source closed"))
	}
	if r.URL == nil {
		return nil, fault.New(fault.Transport, "fetch", errors.New("missing URL"))
	}
	if r.Range != nil && r.Range.Empty() {
		return []byte{}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL.String(), nil)
	if err != nil {
		return nil, fault.New(fault.Transport, "fetch", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if r.Range != nil {
		req.Header.Set("Range", r.Range.Header())
	}
	if !r.AllowGzip {
		// setting the header disables the transport's transparent gzip
		req.Header.Set("Accept-Encoding", "identity")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fault.New(fault.Transport, "fetch", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	default:
		return nil, fault.New(fault.Transport, "fetch", &StatusError{
			URL: r.URL.String(), StatusCode: resp.StatusCode, Status: resp.Status,
		})
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.New(fault.Transport, "fetch", err)
	}
	if r.Range != nil && resp.StatusCode == http.StatusOK {
		// the server ignored the range
		data = cut(data, *r.Range)
	}
	return data, nil
}

func (s *httpSource) Close() error {
	s.closed = true
	s.transport.CloseIdleConnections()
	return nil
}

func cut(data []byte, r ByteRange) []byte {
	if r.Start >= int64(len(data)) {
		return nil
	}
	data = data[r.Start:]
	if r.Length >= 0 && r.Length < int64(len(data)) {
		data = data[:r.Length]
	}
	return data
}
