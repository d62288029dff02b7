package engine

import (
	"strconv"
	"strings"
)

// ByteRange is a resolved, inclusive byte range against an object of known
// size. Start and End always satisfy 0 <= Start <= End < Size.
type ByteRange struct {
	Start int64
	End   int64
	Size  int64
}

// Length returns the number of bytes covered by the range.
func (r *ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range header value for the range.
func (r *ByteRange) ContentRange() string {
	return "bytes " + strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10) +
		"/" + strconv.FormatInt(r.Size, 10)
}

// ResolveRange resolves a Range header value against an object's size.
//
// A nil result with a nil error means the full object should be served: this
// covers an absent header, a malformed header, and multi-range requests
// (multipart/byteranges responses are not produced; per RFC 7233 a server may
// ignore the Range header, so those requests degrade to the full object).
//
// Supported forms: "bytes=start-end", "bytes=start-", "bytes=-suffix".
// An end past the last byte is clamped; a start at or past the object size
// fails with ErrRangeNotSatisfiable.
func ResolveRange(hdr string, size int64) (*ByteRange, error) {
	const prefix = "bytes="
	if hdr == "" || !strings.HasPrefix(hdr, prefix) {
		return nil, nil
	}
	spec := strings.TrimPrefix(hdr, prefix)
	if strings.Contains(spec, ",") {
		// multiple ranges: serve the full object
		return nil, nil
	}
	dash := strings.Index(spec, "-")
	if dash < 0 {
		return nil, nil
	}
	startStr := strings.TrimSpace(spec[:dash])
	endStr := strings.TrimSpace(spec[dash+1:])

	if startStr == "" {
		// suffix form: last N bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, nil
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return nil, ErrRangeNotSatisfiable
		}
		return &ByteRange{Start: size - n, End: size - 1, Size: size}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	if start >= size {
		return nil, ErrRangeNotSatisfiable
	}
	end := size - 1
	if endStr != "" {
		e, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || e < start {
			return nil, nil
		}
		if e < end {
			end = e
		}
	}
	return &ByteRange{Start: start, End: end, Size: size}, nil
}
