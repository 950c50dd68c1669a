package perfstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccumulators(t *testing.T) {
	a := Int64Accumulator{}
	require.Equal(t, 0.0, a.Average())
	a.AddSample(2)
	a.AddSample(5)
	require.Equal(t, 3.5, a.Average())
	a.Reset()
	require.EqualValues(t, 0, a.Samples)

	ta := TimeAccumulator{}
	require.Equal(t, time.Duration(0), ta.Average())
	ta.AddSample(10 * time.Millisecond)
	ta.AddSample(30 * time.Millisecond)
	require.Equal(t, 20*time.Millisecond, ta.Average())
	require.Equal(t, 30*time.Millisecond, ta.Max)
}
