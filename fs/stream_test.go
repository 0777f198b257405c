package fs

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=0-9", Range{Start: 0, End: 9}.Header())
	assert.Equal(t, "bytes=5-", Range{Start: 5, End: -1}.Header())
	assert.Equal(t, int64(10), Range{Start: 0, End: 9}.Length())
	assert.Equal(t, int64(-1), Range{Start: 5, End: -1}.Length())
}

func TestSliceBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("0123456789"))
	sliced := SliceBody(body, Range{Start: 2, End: 5})
	got, err := io.ReadAll(sliced)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(got))
	require.NoError(t, sliced.Close())
}

func TestSliceBodyOpenEnded(t *testing.T) {
	body := io.NopCloser(strings.NewReader("0123456789"))
	sliced := SliceBody(body, Range{Start: 7, End: -1})
	got, err := io.ReadAll(sliced)
	require.NoError(t, err)
	assert.Equal(t, "789", string(got))
}

func newTestStream(content string, honors bool, fallback RangeFallback) *Stream {
	return &Stream{
		SupportsRange: true,
		Fallback:      fallback,
		OpenFull: func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
		OpenRange: func(ctx context.Context, r Range) (*StreamBody, error) {
			if honors {
				end := r.End
				if end < 0 || end >= int64(len(content)) {
					end = int64(len(content)) - 1
				}
				return &StreamBody{
					Body:      io.NopCloser(strings.NewReader(content[r.Start : end+1])),
					Satisfied: true,
				}, nil
			}
			return &StreamBody{
				Body:      io.NopCloser(strings.NewReader(content)),
				Satisfied: false,
			}, nil
		},
	}
}

func TestOpenWithRangeHonored(t *testing.T) {
	s := newTestStream("0123456789", true, FallbackHonor206)
	body, satisfied, err := s.OpenWithRange(context.Background(), Range{Start: 3, End: 6})
	require.NoError(t, err)
	assert.True(t, satisfied)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(got))
}

func TestOpenWithRangeSoftwareSlice(t *testing.T) {
	// upstream ignores the range but is slice safe, so the transport
	// cuts the 200 body down
	s := newTestStream("0123456789", false, FallbackHonor206)
	body, satisfied, err := s.OpenWithRange(context.Background(), Range{Start: 3, End: 6})
	require.NoError(t, err)
	assert.True(t, satisfied)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(got))
}

func TestOpenWithRangeFallbackFull(t *testing.T) {
	// upstream ignores the range and slicing is unsafe, so the caller
	// gets the whole resource and a downgraded expectation
	s := newTestStream("0123456789", false, FallbackFull)
	body, satisfied, err := s.OpenWithRange(context.Background(), Range{Start: 3, End: 6})
	require.NoError(t, err)
	assert.False(t, satisfied)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
}

func TestOpenWithRangeNoSupport(t *testing.T) {
	s := &Stream{
		SupportsRange: false,
		OpenFull: func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("whole")), nil
		},
	}
	body, satisfied, err := s.OpenWithRange(context.Background(), Range{Start: 1, End: 2})
	require.NoError(t, err)
	assert.False(t, satisfied)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "whole", string(got))
}
