package fs

import (
	"context"
	"fmt"
	"io"
	"time"
)

// RangeFallback says what the transport should do when it asked for a
// byte range but the upstream answered 200 with the whole resource.
type RangeFallback int

// Range fallback policies.
const (
	// FallbackHonor206 means the upstream is slice-safe: the transport
	// discards and truncates the 200 body down to the requested range.
	FallbackHonor206 RangeFallback = iota
	// FallbackFull means software slicing is unsafe (some WebDAV
	// deployments ignore Range without saying so); the transport
	// delivers the complete resource and downgrades the client's
	// expectation.
	FallbackFull
)

// Range is an inclusive byte range. End == -1 means "to the end".
type Range struct {
	Start int64
	End   int64
}

// Header renders the Range request header value.
func (r Range) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Length returns the byte count, or -1 when open ended.
func (r Range) Length() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start + 1
}

// StreamBody is one opened response body. Satisfied reports whether the
// upstream honored the requested range (206); false means the body is the
// complete resource.
type StreamBody struct {
	Body      io.ReadCloser
	Satisfied bool
}

// StreamHead carries the metadata harvested by OpenHead.
type StreamHead struct {
	Size         *int64
	ContentType  string
	ETag         string
	LastModified *time.Time
}

// Stream is a lazy download descriptor. Drivers build one per Download
// call; the transport layer decides which open function to use. All open
// functions capture the driver's cancellation through ctx.
type Stream struct {
	Size          *int64
	ContentType   string
	ETag          string
	LastModified  *time.Time
	SupportsRange bool
	Fallback      RangeFallback

	OpenFull  func(ctx context.Context) (io.ReadCloser, error)
	OpenRange func(ctx context.Context, r Range) (*StreamBody, error)
	OpenHead  func(ctx context.Context) (*StreamHead, error)
}

// OpenWithRange opens the stream for the given range applying the
// descriptor's fallback policy. satisfied is false only under
// FallbackFull when the upstream ignored the range, in which case the
// body is the full resource.
func (s *Stream) OpenWithRange(ctx context.Context, r Range) (body io.ReadCloser, satisfied bool, err error) {
	if !s.SupportsRange || s.OpenRange == nil {
		rc, err := s.OpenFull(ctx)
		return rc, false, err
	}
	sb, err := s.OpenRange(ctx, r)
	if err != nil {
		return nil, false, err
	}
	if sb.Satisfied {
		return sb.Body, true, nil
	}
	if s.Fallback == FallbackHonor206 {
		return SliceBody(sb.Body, r), true, nil
	}
	return sb.Body, false, nil
}

// SliceBody software-slices a full response body down to r by discarding
// the prefix and truncating after the range length.
func SliceBody(rc io.ReadCloser, r Range) io.ReadCloser {
	return &slicedBody{rc: rc, discard: r.Start, remain: r.Length()}
}

type slicedBody struct {
	rc      io.ReadCloser
	discard int64
	remain  int64 // -1 for open ended
}

func (s *slicedBody) Read(p []byte) (int, error) {
	if s.discard > 0 {
		if _, err := io.CopyN(io.Discard, s.rc, s.discard); err != nil {
			return 0, err
		}
		s.discard = 0
	}
	if s.remain == 0 {
		return 0, io.EOF
	}
	if s.remain > 0 && int64(len(p)) > s.remain {
		p = p[:s.remain]
	}
	n, err := s.rc.Read(p)
	if s.remain > 0 {
		s.remain -= int64(n)
		if s.remain == 0 && err == nil {
			err = io.EOF
		}
	}
	return n, err
}

func (s *slicedBody) Close() error { return s.rc.Close() }
