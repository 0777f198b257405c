package fs

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeSurvivesWrapping(t *testing.T) {
	err := NotFound("/a/b")
	wrapped := errors.Wrap(err, "while statting")
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeNotFound))
	assert.Equal(t, 404, StatusOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	err := errors.New("boring")
	assert.Equal(t, ErrorCode(""), CodeOf(err))
	assert.False(t, IsCode(err, CodeNotFound))
	assert.Equal(t, 500, StatusOf(err))
}

func TestWithCauseKeepsCode(t *testing.T) {
	cause := errors.New("upstream said no")
	err := Errf(CodeForbidden, 403, "access denied").WithCause(cause)
	assert.Equal(t, CodeForbidden, CodeOf(err))
	assert.Equal(t, cause, errors.Cause(err))
}

func TestErrfExposure(t *testing.T) {
	assert.True(t, Errf(CodeNotFound, 404, "gone").Expose)
	assert.False(t, Errf(CodeInvalidResponse, 502, "weird body").Expose)
	assert.False(t, Errf(CodeInvalidJSON, 502, "bad json").Expose)
}

func TestWithDetail(t *testing.T) {
	err := Errf(CodeDiscordIndexWriteFailed, 502, "index write failed").
		WithDetail("message_id", "123")
	assert.Equal(t, "123", err.Details["message_id"])
}

func TestCheckWritable(t *testing.T) {
	writable := (&Features{}).Set(CapReader | CapWriter)
	assert.NoError(t, writable.CheckWritable())

	readOnly := &Features{ReadOnlyReason: "http mirrors are read-only"}
	readOnly.Set(CapReader)
	err := readOnly.CheckWritable()
	assert.Equal(t, CodeTokenRequiredForWrite, CodeOf(err))
	assert.Contains(t, err.Error(), "read-only")
}

func TestCapabilityString(t *testing.T) {
	caps := CapReader | CapProxy
	assert.Equal(t, "READER|PROXY", caps.String())
	assert.Equal(t, "NONE", Capability(0).String())
	assert.True(t, caps.Has(CapReader))
	assert.False(t, caps.Has(CapWriter))
}
