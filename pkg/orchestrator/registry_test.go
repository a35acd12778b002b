package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/metrics"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

func TestRegistryBeginIsExclusive(t *testing.T) {
	r := NewRegistry(nil)

	send, err := r.Begin(KindDownload, "a")
	require.NoError(t, err)
	defer send.Close()

	_, err = r.Begin(KindDownload, "b")
	assert.ErrorIs(t, err, errors.ErrAlreadyRunning)
	_, err = r.Begin(KindInstall, "c")
	assert.ErrorIs(t, err, errors.ErrAlreadyRunning)

	other, err := r.Begin(KindRemoteConfig, "d")
	require.NoError(t, err)
	other.Close()

	assert.True(t, r.Busy())
	assert.ElementsMatch(t, []Kind{KindDownload, KindRemoteConfig}, r.Running())
}

func TestRegistryConcurrentBegin(t *testing.T) {
	r := NewRegistry(nil)
	kinds := []Kind{KindDownload, KindInstall, KindBackup, KindTool}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			send, err := r.Begin(kinds[i%len(kinds)], fmt.Sprint(i))
			if err != nil {
				assert.ErrorIs(t, err, errors.ErrAlreadyRunning)
				return
			}
			mu.Lock()
			winners++
			mu.Unlock()
			send.Close()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRegistryPollFoldsEvents(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(m)
	send, err := r.Begin(KindBackup, "op")
	require.NoError(t, err)

	send.Step("Capturing image", 40)
	send.Send(progress.Overall(40))
	st, finished := r.Poll(KindBackup)
	assert.False(t, finished)
	assert.Equal(t, PhaseRunning, st.Phase)
	assert.Equal(t, "Capturing image", st.Progress.Step)
	assert.Equal(t, 40.0, st.Progress.Overall)

	send.Send(progress.Completed())
	send.Close()
	st, finished = r.Poll(KindBackup)
	assert.True(t, finished)
	assert.Equal(t, PhaseCompleted, st.Phase)

	st, finished = r.Poll(KindBackup)
	assert.False(t, finished)
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsFinished.WithLabelValues("backup", "succeeded")))

	assert.True(t, r.Ack(KindBackup))
	assert.False(t, r.Ack(KindBackup))
	assert.Equal(t, PhaseIdle, r.State(KindBackup).Phase)
}

func TestRegistryUnexpectedExit(t *testing.T) {
	r := NewRegistry(nil)
	send, err := r.Begin(KindInstall, "op")
	require.NoError(t, err)

	send.Step("Applying image", 10)
	send.Close()

	st, finished := r.Poll(KindInstall)
	assert.True(t, finished)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, progress.UnexpectedExit, st.Message)
}

func TestRegistryGuardTurnsPanicIntoFailure(t *testing.T) {
	r := NewRegistry(nil)
	send, err := r.Begin(KindTool, "op")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer send.Guard()
		panic("boom")
	}()
	<-done

	st, finished := r.Poll(KindTool)
	assert.True(t, finished)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Contains(t, st.Message, "boom")
}

func TestRegistryCountsViolations(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(m)
	send, err := r.Begin(KindDownload, "op")
	require.NoError(t, err)

	send.Send(progress.Overall(60))
	send.Send(progress.Overall(20))
	send.Send(progress.Failed("network"))
	send.Send(progress.Completed())
	send.Close()

	st, _ := r.Poll(KindDownload)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, "network", st.Message)
	assert.Equal(t, 60.0, st.Progress.Overall)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProtocolViolations.WithLabelValues("download")))
}

func TestRegistryRejectAndFail(t *testing.T) {
	r := NewRegistry(nil)

	r.Reject(KindInstall, "bad", "target: no target partition selected")
	st := r.State(KindInstall)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, "bad", st.OperationID)

	send, err := r.Begin(KindInstall, "good")
	require.NoError(t, err)
	r.Reject(KindInstall, "late", "ignored")
	assert.Equal(t, "good", r.State(KindInstall).OperationID)
	assert.True(t, r.State(KindInstall).Running())

	assert.False(t, r.Fail(KindInstall, "other", "cancelled"))
	assert.True(t, r.Fail(KindInstall, "good", "cancelled"))
	assert.False(t, send.Send(progress.Completed()))

	st, finished := r.Poll(KindInstall)
	assert.False(t, finished)
	assert.Equal(t, "cancelled", st.Message)
}

func TestRegistryDiscard(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Begin(KindDownload, "op")
	require.NoError(t, err)
	r.Discard(KindDownload, "op")
	assert.False(t, r.Busy())
	assert.Equal(t, PhaseIdle, r.State(KindDownload).Phase)
}

func TestPlanMapsStageWeights(t *testing.T) {
	send, recv := progress.New(64)
	p := &plan{send: send}
	p.add("first", 1, func(_ context.Context, report progress.Reporter) error {
		report(50)
		return nil
	})
	p.add("second", 3, func(_ context.Context, report progress.Reporter) error {
		report(200)
		return nil
	})
	require.NoError(t, p.run(context.Background()))
	send.Close()

	tracker := progress.NewTracker("plan")
	events, closed := recv.Poll()
	require.True(t, closed)

	var overall []float64
	for _, ev := range events {
		if ev.Kind == progress.KindOverall {
			overall = append(overall, ev.Percent)
		}
		tracker.Apply(ev)
	}
	assert.Equal(t, []float64{0, 12.5, 25, 25, 100, 100, 100}, overall)
	assert.Zero(t, tracker.Violations())
	assert.Equal(t, "second", tracker.Snapshot().Step)
	assert.Equal(t, []string{"first", "second"}, p.names())
}

func TestPlanStopsAtFirstFailure(t *testing.T) {
	send, _ := progress.New(64)
	p := &plan{send: send}
	want := errors.New("format failed")
	ran := false
	p.add("format", 1, func(context.Context, progress.Reporter) error { return want })
	p.add("apply", 1, func(context.Context, progress.Reporter) error {
		ran = true
		return nil
	})

	err := p.run(context.Background())
	assert.ErrorIs(t, err, want)
	assert.False(t, ran)
}

func TestRefreshCadence(t *testing.T) {
	tests := []struct {
		name       string
		running    bool
		background bool
		interval   time.Duration
		want       time.Duration
	}{
		{"idle", false, false, time.Second, 0},
		{"running", true, false, 0, ActiveTickInterval},
		{"background fetch", false, true, 0, ActiveTickInterval},
		{"custom interval", true, true, 250 * time.Millisecond, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RefreshCadence(tt.running, tt.background, tt.interval))
		})
	}
}
