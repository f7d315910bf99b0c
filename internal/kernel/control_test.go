package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunControl_IsCanceledReflectsSignalCancel(t *testing.T) {
	c := newRunControl()
	assert.False(t, c.isCanceled())

	c.signalCancel()
	assert.True(t, c.isCanceled())
}

func TestRunControl_SignalCancelIsIdempotent(t *testing.T) {
	c := newRunControl()
	c.signalCancel()
	assert.NotPanics(t, func() { c.signalCancel() })
}

func TestRunControl_PauseRequestedDrainsOnce(t *testing.T) {
	c := newRunControl()
	c.signalPause()

	assert.True(t, c.pauseRequested())
	assert.False(t, c.pauseRequested(), "a second call without a new signal must report false")
}

func TestRunControl_SignalPauseDoesNotBlockWhenAlreadyPending(t *testing.T) {
	c := newRunControl()
	c.signalPause()
	assert.NotPanics(t, func() { c.signalPause() })
}

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	r := newRegistry()

	_, ok := r.get("run1")
	assert.False(t, ok)

	ctl := r.register("run1")
	got, ok := r.get("run1")
	assert.True(t, ok)
	assert.Same(t, ctl, got)

	r.unregister("run1")
	_, ok = r.get("run1")
	assert.False(t, ok)
}
