// Package monitor tracks network and remote reachability and triggers queue
// drains when the remote becomes reachable.
package monitor

import (
	"context"
	stderrors "errors"
	gosync "sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync"
	"github.com/nf-motors/vehicle-eval/backend/internal/telemetry"
)

// State is a connectivity state.
type State string

const (
	StateOffline          State = "offline"
	StateOnlineUnverified State = "online_unverified"
	StateConnected        State = "connected"
	StateDegraded         State = "degraded"
)

// States lists every state.
var States = []State{StateOffline, StateOnlineUnverified, StateConnected, StateDegraded}

// Mode is the effective mode write routing consults.
type Mode string

const (
	ModeConnected         Mode = "connected"
	ModeDegradedLocalOnly Mode = "degraded_local_only"
	ModeOffline           Mode = "offline"
)

// Mode returns the effective mode of s. An unverified remote is treated as
// unreachable.
func (s State) Mode() Mode {
	switch s {
	case StateConnected:
		return ModeConnected
	case StateOffline:
		return ModeOffline
	default:
		return ModeDegradedLocalOnly
	}
}

// FSM events.
const (
	EventNetworkDown = "network_down"
	EventNetworkUp   = "network_up"
	EventProbeOK     = "probe_ok"
	EventProbeFailed = "probe_failed"
)

// Prober checks remote reachability.
type Prober interface {
	Ping(ctx context.Context) error
}

// Config holds monitor timing.
type Config struct {
	ProbeDelay    time.Duration // Wait after network-up before probing (default: 2s)
	CheckInterval time.Duration // Periodic probe interval (default: 30s)
	ProbeTimeout  time.Duration // Probe deadline (default: 5s)
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ProbeDelay:    2 * time.Second,
		CheckInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Status is a snapshot of the monitor.
type Status struct {
	State           State              `json:"state"`
	Mode            Mode               `json:"mode"`
	BrowserOnline   bool               `json:"browser_online"`
	RemoteReachable bool               `json:"remote_reachable"`
	SyncInProgress  bool               `json:"sync_in_progress"`
	LastSync        *time.Time         `json:"last_sync,omitempty"`
	LastResult      *sync.DrainResult  `json:"last_result,omitempty"`
}

// Monitor owns the connectivity state of one session.
type Monitor struct {
	prober  Prober
	drainer sync.Drainer
	cfg     Config
	metrics *telemetry.Metrics
	log     *logging.Logger

	mu              gosync.Mutex
	machine         *fsm.FSM
	browserOnline   bool
	remoteReachable bool
	probeGen        uint64
	probeTimer      *time.Timer

	draining   bool
	drainAgain bool
	drainDone  chan struct{}
	lastSync   time.Time
	lastResult *sync.DrainResult

	subs    map[int]chan Event
	nextSub int

	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	probeCh chan uint64
	stopCh  chan struct{}
	wg      gosync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics reports the state to m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// New creates a Monitor. online is the network signal at startup; the remote
// stays unverified until the first probe.
func New(prober Prober, drainer sync.Drainer, cfg Config, online bool, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.ProbeDelay <= 0 {
		cfg.ProbeDelay = def.ProbeDelay
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	m := &Monitor{
		prober:        prober,
		drainer:       drainer,
		cfg:           cfg,
		log:           logging.Get().Named("connectivity"),
		browserOnline: online,
		subs:          make(map[int]chan Event),
		probeCh:       make(chan uint64, 1),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	initial := StateOffline
	if online {
		initial = StateOnlineUnverified
	}
	m.machine = fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: EventNetworkDown, Src: []string{string(StateOnlineUnverified), string(StateConnected), string(StateDegraded)}, Dst: string(StateOffline)},
			{Name: EventNetworkUp, Src: []string{string(StateOffline)}, Dst: string(StateOnlineUnverified)},
			{Name: EventProbeOK, Src: []string{string(StateOnlineUnverified), string(StateDegraded)}, Dst: string(StateConnected)},
			{Name: EventProbeFailed, Src: []string{string(StateOnlineUnverified), string(StateConnected)}, Dst: string(StateDegraded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.onEnterState(State(e.Src), State(e.Dst))
			},
		},
	)
	m.metrics.SetConnectivityState(string(initial), stateNames())
	return m
}

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = string(s)
	}
	return names
}

// onEnterState runs inside a transition with m.mu held.
func (m *Monitor) onEnterState(from, to State) {
	m.log.Info("Connectivity changed", map[string]interface{}{
		"from": string(from),
		"to":   string(to),
		"mode": string(to.Mode()),
	})
	m.metrics.SetConnectivityState(string(to), stateNames())
	m.publishLocked(StateChanged{From: from, To: to, Mode: to.Mode()})
}

// Start runs the periodic probe and, if the network is up, probes at once.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.runCtx, m.cancel = context.WithCancel(ctx)
	runCtx := m.runCtx
	if m.browserOnline {
		m.scheduleProbeLocked(0)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(runCtx)

	m.log.Info("Connectivity monitor started", map[string]interface{}{
		"state":          m.State(),
		"check_interval": m.cfg.CheckInterval.String(),
	})
}

// Stop stops probing and waits for an in-flight drain to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.probeTimer != nil {
		m.probeTimer.Stop()
	}
	m.cancel()
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	m.log.Info("Connectivity monitor stopped", nil)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case gen := <-m.probeCh:
			m.probe(ctx, gen)
		case <-ticker.C:
			m.mu.Lock()
			gen, online := m.probeGen, m.browserOnline
			m.mu.Unlock()
			if online {
				m.probe(ctx, gen)
			}
		}
	}
}

// SetNetwork feeds the raw network signal. Going down cancels a scheduled
// probe; coming up schedules one after the probe delay.
func (m *Monitor) SetNetwork(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.browserOnline {
		return
	}
	m.browserOnline = online

	if !online {
		m.remoteReachable = false
		m.cancelProbeLocked()
		m.fireLocked(EventNetworkDown)
		return
	}
	m.fireLocked(EventNetworkUp)
	if m.running {
		m.scheduleProbeLocked(m.cfg.ProbeDelay)
	}
}

// ReportRemoteFailure asks for an immediate probe after a transient remote
// error seen outside the monitor. Other errors are ignored.
func (m *Monitor) ReportRemoteFailure(err error) {
	if err == nil || !errors.IsTransient(err) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && m.browserOnline {
		m.scheduleProbeLocked(0)
	}
}

// SyncNow drains the queue and waits for the pass. When a drain is already
// running it waits for that one, and for the rerun it schedules, instead.
func (m *Monitor) SyncNow(ctx context.Context) (*sync.DrainResult, error) {
	m.mu.Lock()
	if State(m.machine.Current()) != StateConnected {
		m.mu.Unlock()
		return nil, errors.New(errors.ErrOffline, "remote is not reachable")
	}
	if m.draining {
		m.drainAgain = true
		done := m.drainDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return m.LastResult(), nil
	}
	m.draining = true
	m.drainDone = make(chan struct{})
	m.mu.Unlock()

	return m.drainLoop(ctx)
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.machine.Current())
}

// Mode returns the current effective mode.
func (m *Monitor) Mode() Mode {
	return m.State().Mode()
}

// LastResult returns the result of the latest drain, or nil.
func (m *Monitor) LastResult() *sync.DrainResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := State(m.machine.Current())
	status := Status{
		State:           state,
		Mode:            state.Mode(),
		BrowserOnline:   m.browserOnline,
		RemoteReachable: m.remoteReachable,
		SyncInProgress:  m.draining,
		LastResult:      m.lastResult,
	}
	if !m.lastSync.IsZero() {
		t := m.lastSync
		status.LastSync = &t
	}
	return status
}

// fireLocked applies event and reports whether the state changed.
func (m *Monitor) fireLocked(event string) bool {
	if !m.machine.Can(event) {
		return false
	}
	err := m.machine.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noTransition fsm.NoTransitionError
	if !stderrors.As(err, &noTransition) {
		m.log.Warn("Connectivity transition failed", map[string]interface{}{"event": event, "error": err.Error()})
	}
	return false
}

// scheduleProbeLocked replaces any scheduled probe with one after delay.
func (m *Monitor) scheduleProbeLocked(delay time.Duration) {
	m.cancelProbeLocked()
	gen := m.probeGen
	stopCh := m.stopCh
	m.probeTimer = time.AfterFunc(delay, func() {
		select {
		case m.probeCh <- gen:
		case <-stopCh:
		}
	})
}

// cancelProbeLocked invalidates scheduled and in-flight probes.
func (m *Monitor) cancelProbeLocked() {
	m.probeGen++
	if m.probeTimer != nil {
		m.probeTimer.Stop()
		m.probeTimer = nil
	}
}

// probe pings the remote. A result is dropped when the network went down or
// a newer probe was scheduled while it ran.
func (m *Monitor) probe(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.probeGen || !m.browserOnline {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	if gen != m.probeGen || !m.browserOnline {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.remoteReachable = false
		m.fireLocked(EventProbeFailed)
		m.mu.Unlock()
		m.log.Debug("Reachability probe failed", map[string]interface{}{"error": err.Error()})
		return
	}
	m.remoteReachable = true
	connected := m.fireLocked(EventProbeOK)
	m.mu.Unlock()

	if connected {
		m.RequestDrain()
	}
}

// RequestDrain starts a background drain when connected. While one runs the
// request is coalesced into a single rerun.
func (m *Monitor) RequestDrain() {
	m.mu.Lock()
	if !m.running || State(m.machine.Current()) != StateConnected {
		m.mu.Unlock()
		return
	}
	if m.draining {
		m.drainAgain = true
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.drainDone = make(chan struct{})
	ctx := m.runCtx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if _, err := m.drainLoop(ctx); err != nil {
			m.log.Warn("Background drain failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// drainLoop runs passes until no entry arrived after the last one and no
// rerun was requested. The caller has set m.draining.
func (m *Monitor) drainLoop(ctx context.Context) (*sync.DrainResult, error) {
	var (
		last *sync.DrainResult
		err  error
	)
	for {
		queued, qerr := m.drainer.Pending(ctx)
		if qerr != nil {
			queued = 0
		}
		m.publish(SyncStarted{Queued: queued})

		var result *sync.DrainResult
		result, err = m.drainer.Drain(ctx)

		m.mu.Lock()
		if result != nil {
			last = result
			m.lastResult = result
			m.lastSync = result.EndTime
		}
		m.publishLocked(SyncCompleted{Result: result, Err: err})
		m.mu.Unlock()

		if err != nil || ctx.Err() != nil {
			break
		}
		more, herr := m.drainer.HasEntriesAfter(ctx, result.MaxSeq)
		if herr != nil {
			m.log.Warn("Failed to check for new queue entries", map[string]interface{}{"error": herr.Error()})
		}

		m.mu.Lock()
		rerun := (more || m.drainAgain) && State(m.machine.Current()) == StateConnected
		m.drainAgain = false
		if !rerun {
			m.draining = false
			close(m.drainDone)
			m.mu.Unlock()
			return last, nil
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.draining = false
	m.drainAgain = false
	close(m.drainDone)
	m.mu.Unlock()
	return last, err
}
