package blob

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

var bytesRe = regexp.MustCompile(`bytes=(.+)-(.+)?`)

// ParseRange reads a Range header against a resource of size bytes. Bounds
// that are not numbers or fall outside the resource are clamped to it, so a
// matching header always yields a range. It returns nil when the header does
// not match or the size is unknown.
func ParseRange(header string, size int64) *domain.ByteRange {
	if size <= 0 || header == "" {
		return nil
	}
	m := bytesRe.FindStringSubmatch(header)
	if m == nil {
		return nil
	}
	r := domain.ByteRange{Start: 0, End: size - 1}
	if n, err := strconv.ParseInt(m[1], 10, 64); err == nil && n > 0 && n < r.End {
		r.Start = n
	}
	if n, err := strconv.ParseInt(m[2], 10, 64); err == nil && n > r.Start && n <= r.End {
		r.End = n
	}
	return &r
}

// ContentRange formats the Content-Range header value for r.
func ContentRange(r domain.ByteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// Length returns the number of bytes in r.
func Length(r domain.ByteRange) int64 { return r.End - r.Start + 1 }
