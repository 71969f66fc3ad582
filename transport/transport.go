// Package transport fetches manifests and media bytes for the resolver and
// the coordinator. Each operation opens its own data source from a shared
// Factory and closes it when done.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ByteRange is an inclusive-start byte range. Length < 0 reads to the end.
type ByteRange struct {
	Start  int64
	Length int64
}

// ParseByteRange parses the "first-last" form used by DASH range
// attributes. "first-" reads to the end.
func ParseByteRange(s string) (ByteRange, error) {
	first, last, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("byte range %q: missing '-'", s)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, fmt.Errorf("byte range %q: bad start", s)
	}
	if last == "" {
		return ByteRange{Start: start, Length: -1}, nil
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, fmt.Errorf("byte range %q: bad end", s)
	}
	return ByteRange{Start: start, Length: end - start + 1}, nil
}

// Empty reports whether r covers no bytes.
func (r ByteRange) Empty() bool {
	return r.Length == 0
}

// Header returns the value of an HTTP Range header for r, or "" when r is
// empty, as no Range header can express zero bytes.
func (r ByteRange) Header() string {
	switch {
	case r.Length < 0:
		return fmt.Sprintf("bytes=%d-", r.Start)
	case r.Length == 0:
		return ""
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.Start+r.Length-1)
}

// Request describes one fetch.
type Request struct {
	URL       *url.URL
	Range     *ByteRange // nil reads the whole resource
	AllowGzip bool       // the response may be transfer-compressed
}

// DataSource reads resources. Implementations must be safe for use by one
// operation at a time; Close releases any connections it still holds.
type DataSource interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
	Close() error
}

// Factory creates data sources. It is shared, read-only configuration.
type Factory interface {
	NewDataSource() DataSource
}
