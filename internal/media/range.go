// Package media computes HTTP responses for stored media: byte ranges for
// progressive playback and Content-Disposition selection.
package media

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidRange is returned for a malformed or unsatisfiable Range header.
var ErrInvalidRange = errors.New("invalid range")

// Bounds are plain decimal digits; signs and inner spaces are rejected.
var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// Response is a computed status, header set and body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// RangeCapable reports whether mimeType may be served partially at all.
func RangeCapable(mimeType string) bool {
	t := baseType(mimeType)
	return t == "application/pdf" ||
		strings.HasPrefix(t, "image/") ||
		strings.HasPrefix(t, "audio/") ||
		strings.HasPrefix(t, "video/")
}

func isStreamable(mimeType string) bool {
	t := baseType(mimeType)
	return strings.HasPrefix(t, "audio/") || strings.HasPrefix(t, "video/")
}

func baseType(mimeType string) string {
	t, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		t = mimeType
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// Respond builds the response for data given the client's Range header.
// Only audio and video honour ranges; everything else gets the full payload.
func Respond(data []byte, mimeType, rangeHeader string) (*Response, error) {
	size := int64(len(data))
	h := http.Header{}
	h.Set("Content-Type", mimeType)

	if !RangeCapable(mimeType) || !isStreamable(mimeType) {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		return &Response{Status: http.StatusOK, Header: h, Body: data}, nil
	}

	h.Set("Accept-Ranges", "bytes")
	if rangeHeader == "" {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		return &Response{Status: http.StatusOK, Header: h, Body: data}, nil
	}

	start, end, err := ParseRange(rangeHeader, size)
	if err != nil {
		return nil, err
	}

	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	return &Response{Status: http.StatusPartialContent, Header: h, Body: data[start : end+1]}, nil
}

// ParseRange parses "bytes=<start>-<end>" against a payload of size bytes.
// An empty start means 0 and an empty end means size-1. The returned bounds
// are inclusive.
func ParseRange(header string, size int64) (start, end int64, err error) {
	matches := rangeRegex.FindStringSubmatch(strings.TrimSpace(header))
	if matches == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	start, end = 0, size-1
	if s := matches[1]; s != "" {
		if start, err = parseOffset(s); err != nil {
			return 0, 0, err
		}
	}
	if e := matches[2]; e != "" {
		if end, err = parseOffset(e); err != nil {
			return 0, 0, err
		}
	}

	if end >= size || start > end {
		return 0, 0, fmt.Errorf("%w: %d-%d of %d bytes", ErrInvalidRange, start, end, size)
	}
	return start, end, nil
}

func parseOffset(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad offset %q", ErrInvalidRange, s)
	}
	return n, nil
}

// UnsatisfiedRange is the Content-Range value sent with a 416.
func UnsatisfiedRange(size int) string {
	return fmt.Sprintf("bytes */%d", size)
}

// Disposition returns a Content-Disposition value for filename. Browsable
// types are shown inline; everything else is downloaded unless forceInline.
func Disposition(mimeType, filename string, forceInline bool) string {
	kind := "attachment"
	if forceInline || displayInline(mimeType) {
		kind = "inline"
	}
	v := mime.FormatMediaType(kind, map[string]string{"filename": filename})
	if v == "" {
		return kind
	}
	return v
}

func displayInline(mimeType string) bool {
	t := baseType(mimeType)
	switch {
	case strings.HasPrefix(t, "image/"),
		strings.HasPrefix(t, "audio/"),
		strings.HasPrefix(t, "video/"):
		return true
	}
	switch t {
	case "application/pdf", "text/plain", "text/html":
		return true
	}
	return false
}
