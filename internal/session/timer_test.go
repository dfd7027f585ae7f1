package session

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postalsys/fleetbus/internal/logging"
)

func TestWatchdog_Fires(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := newWatchdog(20*time.Millisecond, logging.NopLogger(), func() { fired <- struct{}{} })
	w.Reset()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	require.False(t, w.Touch(), "watchdog stays disarmed after firing")
}

func TestWatchdog_ResetPostpones(t *testing.T) {
	var fired atomic.Int32
	w := newWatchdog(60*time.Millisecond, logging.NopLogger(), func() { fired.Add(1) })
	w.Reset()

	for i := 0; i < 8; i++ {
		time.Sleep(20 * time.Millisecond)
		require.True(t, w.Touch())
	}
	require.Zero(t, fired.Load())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, tick)
}

func TestWatchdog_StopAndTouch(t *testing.T) {
	var fired atomic.Int32
	w := newWatchdog(20*time.Millisecond, logging.NopLogger(), func() { fired.Add(1) })

	require.False(t, w.Touch(), "unarmed watchdog ignores touch")
	w.Reset()
	w.Stop()
	time.Sleep(60 * time.Millisecond)
	require.Zero(t, fired.Load())

	w.SetTimeout(10 * time.Millisecond)
	require.Equal(t, 10*time.Millisecond, w.Timeout())
	w.Reset()
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, tick)
}

func TestWatchdog_PanicRecovered(t *testing.T) {
	w := newWatchdog(5*time.Millisecond, logging.NopLogger(), func() { panic("boom") })
	w.Reset()
	time.Sleep(30 * time.Millisecond)
}

func TestPulse(t *testing.T) {
	var n atomic.Int32
	p := startPulse(10*time.Millisecond, logging.NopLogger(), "test", func() { n.Add(1) })
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, tick)

	p.Stop()
	p.Stop()
	time.Sleep(20 * time.Millisecond)
	stopped := n.Load()
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, stopped, n.Load())

	var nilPulse *pulse
	nilPulse.Stop()
}

func fastReconnect() ReconnectConfig {
	return ReconnectConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
}

func TestReconnector_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	r := NewReconnector(fastReconnect(), func() error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	defer r.Close()

	r.Schedule()
	require.True(t, r.IsPending())
	r.Schedule()

	require.Eventually(t, func() bool { return !r.IsPending() }, time.Second, tick)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, 3, r.Attempts())
}

func TestReconnector_GivesUp(t *testing.T) {
	cfg := fastReconnect()
	cfg.MaxAttempts = 2

	gaveUp := make(chan int, 1)
	r := NewReconnector(cfg, func() error { return errors.New("down") })
	r.OnGiveUp(func(attempts int, err error) { gaveUp <- attempts })
	defer r.Close()

	r.Schedule()
	select {
	case n := <-gaveUp:
		require.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("reconnector did not give up")
	}
	require.False(t, r.IsPending())
}

func TestReconnector_CancelAndClose(t *testing.T) {
	var calls atomic.Int32
	r := NewReconnector(ReconnectConfig{InitialDelay: 50 * time.Millisecond}, func() error {
		calls.Add(1)
		return nil
	})

	r.Schedule()
	r.Cancel()
	require.False(t, r.IsPending())

	r.Close()
	r.Schedule()
	require.False(t, r.IsPending())

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, calls.Load())
}

func TestReconnector_Jitter(t *testing.T) {
	r := NewReconnector(ReconnectConfig{InitialDelay: time.Second, Jitter: 0.2}, func() error { return nil })
	for i := 0; i < 50; i++ {
		d := r.addJitter(time.Second)
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "CONNECTED", StateConnected.String())
	require.Equal(t, "RECONNECTING", StateReconnecting.String())
	require.Equal(t, "UNKNOWN", ConnectionState(99).String())
	require.Equal(t, "ANNOUNCED", ClientAnnounced.String())
	require.Equal(t, "REMOVED", ClientRemoved.String())
}

func TestAnnounceRejectedError(t *testing.T) {
	require.Equal(t, "announce rejected", (&AnnounceRejectedError{}).Error())
	require.Equal(t, "announce rejected: unknown identity", (&AnnounceRejectedError{Reason: ReasonUnknownIdentity}).Error())

	err := &AsyncError{Op: "receive", Err: ErrConnectionTimeout}
	require.ErrorIs(t, err, ErrConnectionTimeout)
	require.Equal(t, "receive: connection timeout", err.Error())
}
