// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsOnFailureRatioThenRecloses(t *testing.T) {
	cb := New(2*time.Second, 200*time.Millisecond, 0.5, 2)
	require.Equal(t, Closed, cb.State())

	cb.Record(false)
	require.Equal(t, Closed, cb.State(), "one failure is below min samples")
	cb.Record(false)
	require.Equal(t, Open, cb.State())

	require.False(t, cb.Allow(), "open circuit must refuse calls until cooldown")

	time.Sleep(250 * time.Millisecond)
	require.True(t, cb.Allow(), "cooldown elapsed, the half-open probe goes out")
	cb.Record(true)
	require.Equal(t, Closed, cb.State(), "successful probe recloses the circuit")
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	cb := New(time.Second, 50*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	require.Equal(t, Open, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.Record(false)
	require.Equal(t, Open, cb.State(), "failed probe sends the circuit straight back to open")
}

func TestBreaker_MinSamplesGuardsColdStart(t *testing.T) {
	cb := New(time.Second, 50*time.Millisecond, 0.5, 20)
	for i := 0; i < 19; i++ {
		cb.Record(false)
	}
	require.Equal(t, Closed, cb.State(), "below min samples the ratio must not trip the circuit")
	cb.Record(false)
	require.Equal(t, Open, cb.State())
}
