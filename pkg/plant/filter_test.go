package plant

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMovingAverageOrder(t *testing.T) {
	for _, order := range []int{0, -1} {
		_, err := NewMovingAverage(order)
		require.Equal(t, ErrBadOrder, err, "order %d", order)
	}
	f, err := NewMovingAverage(3)
	require.NoError(t, err)
	require.Equal(t, 3, f.Order())
}

func TestMovingAverageSample(t *testing.T) {
	f, err := NewMovingAverage(3)
	require.NoError(t, err)

	// The window starts zeroed, so early outputs average in the zeros.
	require.Equal(t, float32(1), f.Sample(3))
	require.Equal(t, float32(3), f.Sample(6))
	require.Equal(t, float32(6), f.Sample(9))
	// From here on the oldest sample falls out of the window.
	require.Equal(t, float32(9), f.Sample(12))
}

func TestMovingAverageReset(t *testing.T) {
	f, err := NewMovingAverage(3)
	require.NoError(t, err)
	f.Sample(3)
	f.Sample(6)
	f.Sample(9)

	f.Reset(6)
	require.Equal(t, float32(7), f.Sample(9))
}

func TestMovingAverageResize(t *testing.T) {
	f, err := NewMovingAverage(3)
	require.NoError(t, err)
	f.Sample(3)
	f.Sample(6)
	f.Sample(9)

	// Shrinking keeps the newest samples.
	require.NoError(t, f.Resize(2))
	require.Equal(t, 2, f.Order())
	require.Equal(t, float32(10), f.Sample(11))

	// Growing pads the window with the current mean, so the next
	// output moves only by the new sample's contribution.
	require.NoError(t, f.Resize(4))
	require.Equal(t, 4, f.Order())
	require.Equal(t, float32(9.25), f.Sample(7))

	require.NoError(t, f.Resize(4))
	require.Equal(t, 4, f.Order())

	require.Equal(t, ErrBadOrder, f.Resize(0))
	require.Equal(t, 4, f.Order())
}
