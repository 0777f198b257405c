package pacer

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yakongxing/cloudpaste/fs/fserrors"
)

func newTestPacer() *Pacer {
	return New().SetMinSleep(time.Microsecond).SetMaxSleep(10 * time.Microsecond)
}

func TestCallStopsWhenDone(t *testing.T) {
	p := newTestPacer()
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesUntilSuccess(t *testing.T) {
	p := newTestPacer()
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		if calls < 3 {
			return true, errors.New("flaky")
		}
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallExhaustsRetries(t *testing.T) {
	p := newTestPacer().SetRetries(4)
	calls := 0
	boom := errors.New("boom")
	err := p.Call(func() (bool, error) {
		calls++
		return true, boom
	})
	assert.Equal(t, 4, calls)
	require.Error(t, err)
	assert.True(t, fserrors.IsRetryError(err))
	assert.Equal(t, boom, errors.Cause(err))
}

func TestCallNoRetry(t *testing.T) {
	p := newTestPacer()
	calls := 0
	err := p.CallNoRetry(func() (bool, error) {
		calls++
		return true, errors.New("once only")
	})
	assert.Equal(t, 1, calls)
	assert.True(t, fserrors.IsRetryError(err))
}

func TestSleepGrowsAndDecays(t *testing.T) {
	p := New().SetMinSleep(time.Millisecond).SetMaxSleep(100 * time.Millisecond)

	for i := 0; i < 10; i++ {
		p.endCall(true, nil)
	}
	assert.Equal(t, 100*time.Millisecond, p.sleepTime)

	for i := 0; i < 20; i++ {
		p.endCall(false, nil)
	}
	assert.Equal(t, time.Millisecond, p.sleepTime)
}

func TestRetryAfterRaisesSleep(t *testing.T) {
	p := New().SetMinSleep(time.Millisecond).SetMaxSleep(time.Minute)
	p.endCall(true, fserrors.NewErrorRetryAfter(time.Second))
	assert.Greater(t, p.sleepTime, 500*time.Millisecond)
	assert.LessOrEqual(t, p.sleepTime, time.Second)
}
