package driver

import (
	"context"
	"testing"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
	"github.com/stretchr/testify/require"
)

func testCaps() capability.Capabilities {
	return capability.Capabilities{
		Width: 64, Height: 64, ColorDepth: 24,
		HasTextRendering: true, HasBrightnessControl: true,
		MinBrightness: 0, MaxBrightness: 100, MaxFPS: 30,
	}
}

func TestMockPushUpdatesMetrics(t *testing.T) {
	m := NewMock(testCaps())
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.Push(context.Background())
	require.NoError(t, err)

	snap := m.Metrics().Snapshot()
	require.EqualValues(t, 1, snap.Pushes)
	require.False(t, snap.LastSeenTS.IsZero())
}

func TestMockPushFailureIncrementsErrors(t *testing.T) {
	m := NewMock(testCaps())
	m.FailNextPushes = 2

	for i := 0; i < 2; i++ {
		_, err := m.Push(context.Background())
		require.Error(t, err)
		require.True(t, errs.IsTransportError(err))
	}

	_, err := m.Push(context.Background())
	require.NoError(t, err)

	snap := m.Metrics().Snapshot()
	require.EqualValues(t, 2, snap.Errors)
	require.EqualValues(t, 1, snap.Pushes)
}

func TestMockCapabilityGating(t *testing.T) {
	caps := testCaps()
	caps.HasTextRendering = false
	caps.HasBrightnessControl = false
	m := NewMock(caps)

	err := m.DrawText("hi", Point{}, RGBA{}, AlignLeft)
	require.Error(t, err)
	require.True(t, errs.IsCapabilityError(err))

	err = m.SetBrightness(context.Background(), 50)
	require.Error(t, err)
	require.True(t, errs.IsCapabilityError(err))

	// metrics must be unchanged by a rejected optional op.
	snap := m.Metrics().Snapshot()
	require.Zero(t, snap.Errors)
	require.Zero(t, snap.Pushes)
}

func TestMockHealthCheckAlwaysOK(t *testing.T) {
	m := NewMock(testCaps())
	res := m.HealthCheck(context.Background())
	require.True(t, res.OK)
	require.Nil(t, res.Err)
}
