package internal

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidRange is returned for a Range or Content-Range header that
	// does not parse.
	ErrInvalidRange = errors.New("invalid range")
	// ErrRangeNotSatisfiable is returned when a parsed range falls outside
	// the file.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// ByteRange is an inclusive byte interval.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// parseRange parses a single "bytes=start-end" download range against a
// file of the given size. A missing end means end of file.
func parseRange(header string, size int64) (ByteRange, error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(value, ",") {
		return ByteRange{}, ErrInvalidRange
	}
	startText, endText, ok := strings.Cut(value, "-")
	if !ok || startText == "" {
		return ByteRange{}, ErrInvalidRange
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startText), 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, ErrInvalidRange
	}
	end := size - 1
	if endText = strings.TrimSpace(endText); endText != "" {
		end, err = strconv.ParseInt(endText, 10, 64)
		if err != nil || end < 0 {
			return ByteRange{}, ErrInvalidRange
		}
	}
	if start >= size || end >= size || start > end {
		return ByteRange{}, ErrRangeNotSatisfiable
	}
	return ByteRange{Start: start, End: end}, nil
}

// ChunkRange is the parsed "bytes start-end/total" of an upload chunk.
// Total is -1 when the sender used "*".
type ChunkRange struct {
	Start int64
	End   int64
	Total int64
}

func (c ChunkRange) Length() int64 {
	return c.End - c.Start + 1
}

// parseContentRange parses an upload Content-Range header.
func parseContentRange(header string) (ChunkRange, error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return ChunkRange{}, ErrInvalidRange
	}
	interval, totalText, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return ChunkRange{}, ErrInvalidRange
	}
	startText, endText, ok := strings.Cut(interval, "-")
	if !ok {
		return ChunkRange{}, ErrInvalidRange
	}
	start, err := strconv.ParseInt(startText, 10, 64)
	if err != nil || start < 0 {
		return ChunkRange{}, ErrInvalidRange
	}
	end, err := strconv.ParseInt(endText, 10, 64)
	if err != nil || end < start || end == math.MaxInt64 {
		return ChunkRange{}, ErrInvalidRange
	}
	total := int64(-1)
	if totalText != "*" {
		total, err = strconv.ParseInt(totalText, 10, 64)
		if err != nil || total <= end {
			return ChunkRange{}, ErrInvalidRange
		}
	}
	return ChunkRange{Start: start, End: end, Total: total}, nil
}
