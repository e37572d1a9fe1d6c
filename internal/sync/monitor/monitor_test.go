package monitor

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =====================================================
// Test Helpers
// =====================================================

type stubProber struct {
	mu    gosync.Mutex
	err   error
	calls int
}

func (p *stubProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *stubProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *stubProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubDrainer struct {
	mu     gosync.Mutex
	drains int
	block  chan struct{}
	more   []bool
}

func (d *stubDrainer) Drain(ctx context.Context) (*sync.DrainResult, error) {
	d.mu.Lock()
	d.drains++
	n := d.drains
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &sync.DrainResult{Replayed: 1, MaxSeq: int64(n), EndTime: time.Now()}, nil
}

func (d *stubDrainer) HasEntriesAfter(ctx context.Context, seq int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.more) == 0 {
		return false, nil
	}
	more := d.more[0]
	d.more = d.more[1:]
	return more, nil
}

func (d *stubDrainer) Pending(ctx context.Context) (int, error) {
	return 3, nil
}

func (d *stubDrainer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drains
}

func testConfig() Config {
	return Config{
		ProbeDelay:    20 * time.Millisecond,
		CheckInterval: time.Hour,
		ProbeTimeout:  100 * time.Millisecond,
	}
}

func startMonitor(t *testing.T, online bool) (*Monitor, *stubProber, *stubDrainer) {
	t.Helper()
	prober := &stubProber{}
	drainer := &stubDrainer{}
	m := New(prober, drainer, testConfig(), online)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, prober, drainer
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func idle(m *Monitor) func() bool {
	return func() bool { return !m.Status().SyncInProgress }
}

// =====================================================
// State Tests
// =====================================================

// TestNew_initialState verifies the state is derived from the network signal.
func TestNew_initialState(t *testing.T) {
	offline := New(&stubProber{}, &stubDrainer{}, Config{}, false)
	if offline.State() != StateOffline || offline.Mode() != ModeOffline {
		t.Errorf("offline start = %s/%s", offline.State(), offline.Mode())
	}

	online := New(&stubProber{}, &stubDrainer{}, Config{}, true)
	if online.State() != StateOnlineUnverified || online.Mode() != ModeDegradedLocalOnly {
		t.Errorf("online start = %s/%s", online.State(), online.Mode())
	}
	if online.Status().RemoteReachable {
		t.Error("remote reachable before the first probe")
	}
	if online.cfg != DefaultConfig() {
		t.Errorf("cfg = %+v, want defaults", online.cfg)
	}
}

// TestStart_probesAndDrains verifies an online start connects and drains.
func TestStart_probesAndDrains(t *testing.T) {
	m, _, drainer := startMonitor(t, true)

	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	waitFor(t, "drain", func() bool { return drainer.count() == 1 })
	waitFor(t, "drain to finish", idle(m))

	status := m.Status()
	if !status.RemoteReachable || !status.BrowserOnline {
		t.Errorf("Status() = %+v", status)
	}
	if status.LastSync == nil || status.LastResult == nil {
		t.Error("Status() has no last sync")
	}
}

// TestNetworkUp_debounce verifies a network flap inside the probe delay
// neither probes nor drains.
func TestNetworkUp_debounce(t *testing.T) {
	m, prober, drainer := startMonitor(t, false)

	m.SetNetwork(true)
	m.SetNetwork(false)
	time.Sleep(5 * testConfig().ProbeDelay)

	if m.State() != StateOffline {
		t.Errorf("State() = %s, want offline", m.State())
	}
	if prober.count() != 0 {
		t.Errorf("probes = %d, want 0", prober.count())
	}
	if drainer.count() != 0 {
		t.Errorf("drains = %d, want 0", drainer.count())
	}
}

// TestNetworkUp_afterDelay verifies the probe runs after the delay.
func TestNetworkUp_afterDelay(t *testing.T) {
	m, _, drainer := startMonitor(t, false)

	m.SetNetwork(true)
	if m.State() != StateOnlineUnverified {
		t.Fatalf("State() = %s, want online_unverified", m.State())
	}
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	waitFor(t, "drain", func() bool { return drainer.count() == 1 })
}

// TestProbeFailure verifies failed probes degrade and a later probe recovers.
func TestProbeFailure(t *testing.T) {
	prober := &stubProber{err: errors.New(errors.ErrRemoteUnavailable, "down")}
	drainer := &stubDrainer{}
	m := New(prober, drainer, testConfig(), true)
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, "degraded", func() bool { return m.State() == StateDegraded })
	if m.Mode() != ModeDegradedLocalOnly || m.Status().RemoteReachable {
		t.Errorf("Status() = %+v", m.Status())
	}
	if drainer.count() != 0 {
		t.Errorf("drains = %d, want 0", drainer.count())
	}

	prober.set(nil)
	m.ReportRemoteFailure(errors.New(errors.ErrRemoteUnavailable, "timeout"))
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	waitFor(t, "drain", func() bool { return drainer.count() == 1 })
}

// TestReportRemoteFailure_ignoresRejections verifies only transient errors
// trigger a probe.
func TestReportRemoteFailure_ignoresRejections(t *testing.T) {
	m, prober, _ := startMonitor(t, true)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	before := prober.count()

	m.ReportRemoteFailure(errors.New(errors.ErrRemoteRejected, "bad row"))
	m.ReportRemoteFailure(nil)
	time.Sleep(50 * time.Millisecond)

	if prober.count() != before {
		t.Errorf("probes = %d, want %d", prober.count(), before)
	}
}

// TestNetworkDown verifies any state falls back to offline.
func TestNetworkDown(t *testing.T) {
	m, _, _ := startMonitor(t, true)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	waitFor(t, "drain to finish", idle(m))

	m.SetNetwork(false)
	status := m.Status()
	if status.State != StateOffline || status.RemoteReachable || status.BrowserOnline {
		t.Errorf("Status() = %+v", status)
	}
}

// =====================================================
// Drain Tests
// =====================================================

// TestDrain_coalesced verifies requests during a drain collapse into one
// rerun.
func TestDrain_coalesced(t *testing.T) {
	prober := &stubProber{}
	drainer := &stubDrainer{block: make(chan struct{})}
	m := New(prober, drainer, testConfig(), true)
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, "first drain", func() bool { return drainer.count() == 1 })
	m.RequestDrain()
	m.RequestDrain()
	m.RequestDrain()
	close(drainer.block)

	waitFor(t, "drains to finish", idle(m))
	if got := drainer.count(); got != 2 {
		t.Errorf("drains = %d, want 2", got)
	}
}

// TestDrain_rescheduled verifies entries enqueued during a pass start
// another.
func TestDrain_rescheduled(t *testing.T) {
	prober := &stubProber{}
	drainer := &stubDrainer{more: []bool{true, false}}
	m := New(prober, drainer, testConfig(), true)
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, "drains", func() bool { return drainer.count() == 2 })
	waitFor(t, "drains to finish", idle(m))
	if got := drainer.count(); got != 2 {
		t.Errorf("drains = %d, want 2", got)
	}
}

// TestSyncNow verifies manual drains.
func TestSyncNow(t *testing.T) {
	m, _, drainer := startMonitor(t, false)

	if _, err := m.SyncNow(context.Background()); !errors.Is(err, errors.ErrOffline) {
		t.Fatalf("SyncNow() offline error = %v, want OFFLINE", err)
	}

	m.SetNetwork(true)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	waitFor(t, "drain to finish", idle(m))

	result, err := m.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if result == nil || result.Replayed != 1 {
		t.Errorf("SyncNow() = %+v", result)
	}
	if drainer.count() != 2 {
		t.Errorf("drains = %d, want 2", drainer.count())
	}
}

// =====================================================
// Subscription Tests
// =====================================================

// TestSubscribe verifies the event sequence of a reconnect.
func TestSubscribe(t *testing.T) {
	m, _, _ := startMonitor(t, false)
	events, cancel := m.Subscribe(16)
	defer cancel()

	m.SetNetwork(true)

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case ev := <-events:
			got = append(got, ev.Type())
			if sc, ok := ev.(SyncCompleted); ok && sc.Message() != "sync complete: 1 succeeded, 0 failed" {
				t.Errorf("Message() = %q", sc.Message())
			}
			if ss, ok := ev.(SyncStarted); ok && ss.Message() != "3 items queued" {
				t.Errorf("Message() = %q", ss.Message())
			}
		case <-timeout:
			t.Fatalf("events = %v", got)
		}
	}

	want := []string{"connection.changed", "connection.changed", "sync.started", "sync.completed"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

// TestSubscribe_slowSubscriber verifies a full buffer does not block.
func TestSubscribe_slowSubscriber(t *testing.T) {
	m := New(&stubProber{}, &stubDrainer{}, testConfig(), false)
	_, cancel := m.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.SetNetwork(true)
			m.SetNetwork(false)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SetNetwork() blocked on a full subscriber")
	}
	cancel()
	cancel()
}

// TestStop verifies Stop is idempotent and closes subscriptions.
func TestStop(t *testing.T) {
	m := New(&stubProber{}, &stubDrainer{}, testConfig(), true)
	events, _ := m.Subscribe(64)
	m.Start(context.Background())
	m.Start(context.Background())
	m.Stop()
	m.Stop()

	for range events {
	}
}
