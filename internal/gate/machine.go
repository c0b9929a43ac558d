package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"depthnotes/gate/internal/attribution"
	"depthnotes/gate/internal/logging"
	"depthnotes/gate/internal/store"
)

const (
	DefaultDecisionTimeout = 30 * time.Second
	DefaultOrganicDelay    = 5 * time.Second
)

// Persistence is the subset of the store the machine writes through.
type Persistence interface {
	Load(ctx context.Context) store.Snapshot
	SaveTracking(ctx context.Context, tracking map[string]string)
	SaveNavigation(ctx context.Context, navigation map[string]string)
	SaveEndpoint(ctx context.Context, endpoint string)
	SaveMode(ctx context.Context, mode string)
	MarkFirstLaunchDone(ctx context.Context)
	SaveNotifications(ctx context.Context, rec store.NotificationRecord)
	TakeStagedEndpoint(ctx context.Context) (string, bool)
	DeviceID(ctx context.Context) string
}

type Validator interface {
	Validate(ctx context.Context) (bool, error)
}

type Backend interface {
	FetchTracking(ctx context.Context, deviceID string) (map[string]any, error)
	FetchEndpoint(ctx context.Context, tracking map[string]string) (string, error)
}

type Timings struct {
	DecisionTimeout time.Duration
	OrganicDelay    time.Duration
}

type Deps struct {
	Store         Persistence
	Validator     Validator
	Backend       Backend
	Notifications PermissionRequester
	Timings       Timings
	Logger        *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Machine owns the gate state. All changes go through Dispatch and are
// applied in order on the goroutine running Run.
type Machine struct {
	store     Persistence
	validator Validator
	backend   Backend
	requester PermissionRequester
	timings   Timings
	logger    *slog.Logger
	now       func() time.Time

	qmu   sync.Mutex
	queue []Event
	wake  chan struct{}

	mu      sync.RWMutex
	state   State
	changed chan struct{}

	// Owned by the Run goroutine.
	ctx        context.Context
	timer      *time.Timer
	validating bool
	effects    sync.WaitGroup
}

func New(deps Deps) *Machine {
	t := deps.Timings
	if t.DecisionTimeout <= 0 {
		t.DecisionTimeout = DefaultDecisionTimeout
	}
	if t.OrganicDelay <= 0 {
		t.OrganicDelay = DefaultOrganicDelay
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	requester := deps.Notifications
	if requester == nil {
		requester = NopRequester{}
	}
	return &Machine{
		store:     deps.Store,
		validator: deps.Validator,
		backend:   deps.Backend,
		requester: requester,
		timings:   t,
		logger:    logging.OrDefault(deps.Logger).With("component", "gate"),
		now:       now,
		wake:      make(chan struct{}, 1),
		state:     Initial(),
		changed:   make(chan struct{}),
	}
}

// Dispatch queues ev. It never blocks and is safe from any goroutine.
func (m *Machine) Dispatch(ev Event) {
	if ev == nil {
		return
	}
	m.qmu.Lock()
	m.queue = append(m.queue, ev)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Launch seeds the machine from persisted state and starts the decision
// timer.
func (m *Machine) Launch(ctx context.Context) {
	snap := m.store.Load(ctx)
	m.Dispatch(ConfigLoaded{Config: ConfigFromSnapshot(snap)})
	m.Dispatch(Initialize{})
}

// Run processes events until ctx is done, then waits for in-flight effects.
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx
	defer func() {
		m.stopTimer()
		m.effects.Wait()
	}()

	for {
		for _, ev := range m.drain() {
			m.apply(ev)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
		}
	}
}

func (m *Machine) drain() []Event {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	events := m.queue
	m.queue = nil
	return events
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// WaitFor blocks until pred holds for the current state or ctx is done.
func (m *Machine) WaitFor(ctx context.Context, pred func(State) bool) (State, error) {
	for {
		m.mu.RLock()
		s := m.state.Clone()
		ch := m.changed
		m.mu.RUnlock()

		if pred(s) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ch:
		}
	}
}

// Decided reports whether the gate has chosen local or remote content.
func Decided(s State) bool {
	return s.Phase.Terminal()
}

func (m *Machine) apply(ev Event) {
	// Only the Run goroutine writes m.state.
	prev := m.state
	next := Reduce(prev, ev, m.now())

	if prev.Phase != next.Phase {
		m.logger.Debug("phase changed", "event", EventName(ev), "from", prev.Phase.String(), "to", next.Phase.String())
	}
	if next.Locked && !prev.Locked {
		m.stopTimer()
		m.logger.Info("gate locked", "endpoint", next.Phase.Endpoint)
	} else if next.Phase.Kind == PhasePaused && prev.Phase.Kind != PhasePaused {
		m.logger.Info("gate paused, showing local content", "event", EventName(ev))
	}

	// Store writes land before WaitFor callers can observe next.
	m.effect(ev, prev, next)

	m.mu.Lock()
	m.state = next
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}

// effect runs the side effects for ev. Store writes happen inline so they
// keep event order and are not cut short when Run's context ends. Remote
// calls and waits run in their own goroutine and report back through
// Dispatch.
func (m *Machine) effect(ev Event, prev, next State) {
	ctx := m.ctx
	wctx := context.WithoutCancel(ctx)
	decided := prev.Phase.Terminal()

	switch e := ev.(type) {
	case Initialize:
		if prev.Phase.Kind == PhaseStart {
			m.startTimer()
		}

	case TrackingReceived:
		if decided {
			m.logger.Debug("late tracking discarded")
			return
		}
		m.store.SaveTracking(wctx, next.Config.Tracking)
		if !m.validating {
			m.validating = true
			m.goEffect(func() { m.validate(ctx) })
		}

	case NavigationReceived:
		m.store.SaveNavigation(wctx, next.Config.Navigation)

	case ValidationSucceeded:
		if next.Phase.Kind != PhaseApproved {
			return
		}
		snapshot := next.Clone()
		m.goEffect(func() { m.proceed(ctx, snapshot) })

	case FetchTrackingSucceeded:
		if decided {
			return
		}
		tracking := next.Config.Tracking
		m.store.SaveTracking(wctx, tracking)
		m.goEffect(func() { m.resolveEndpoint(ctx, tracking) })

	case FetchEndpointSucceeded:
		if decided {
			m.logger.Debug("late endpoint discarded", "url", e.URL)
			return
		}
		m.store.SaveEndpoint(wctx, next.Config.Endpoint)
		m.store.SaveMode(wctx, ModeActive)
		m.store.MarkFirstLaunchDone(wctx)

	case PushOpened:
		if next.Phase.Kind == PhaseRunning {
			// Already showing remote content; the staged copy is stale.
			m.store.TakeStagedEndpoint(wctx)
		}

	case NotificationPermissionRequested:
		if !prev.UI.ShowNotificationPrompt {
			m.logger.Debug("permission request without a pending prompt ignored")
			return
		}
		m.goEffect(func() { m.Dispatch(requestPermission(ctx, m.requester)) })

	case NotificationPermissionGranted, NotificationPermissionDenied, NotificationPromptDismissed:
		if next.Phase.Kind != PhaseRunning {
			return
		}
		m.store.SaveNotifications(wctx, notificationRecord(next.Config.Notifications))
	}
}

func (m *Machine) validate(ctx context.Context) {
	m.Dispatch(ValidationStarted{})
	ok, err := m.validator.Validate(ctx)
	switch {
	case err != nil:
		m.logger.Warn("validation failed", "err", err)
		m.Dispatch(ValidationFailed{Err: err})
	case !ok:
		m.Dispatch(ValidationFailed{})
	default:
		m.Dispatch(ValidationSucceeded{})
	}
}

// proceed runs after approval: staged push URL first, then the organic
// re-fetch on a first organic launch, otherwise straight to the endpoint.
func (m *Machine) proceed(ctx context.Context, s State) {
	if len(s.Config.Tracking) == 0 {
		m.Dispatch(TrackingMissing{})
		return
	}

	if url, ok := m.store.TakeStagedEndpoint(ctx); ok {
		m.logger.Info("adopting staged push url", "url", url)
		m.Dispatch(StagedEndpointAdopted{URL: url})
		return
	}

	if s.Config.FirstLaunch && s.Config.IsOrganic() {
		m.organic(ctx, s)
		return
	}

	m.resolveEndpoint(ctx, s.Config.Tracking)
}

func (m *Machine) organic(ctx context.Context, s State) {
	if err := sleep(ctx, m.timings.OrganicDelay); err != nil {
		return
	}

	m.Dispatch(FetchTrackingStarted{})
	fetched, err := m.backend.FetchTracking(ctx, m.store.DeviceID(ctx))
	if err != nil {
		m.logger.Warn("organic tracking fetch failed", "err", err)
		m.Dispatch(FetchTrackingFailed{Err: err})
		return
	}

	merged := attribution.FillGaps(attribution.Normalize(fetched), s.Config.Navigation)
	m.Dispatch(FetchTrackingSucceeded{Tracking: merged})
}

func (m *Machine) resolveEndpoint(ctx context.Context, tracking map[string]string) {
	m.Dispatch(FetchEndpointStarted{})
	url, err := m.backend.FetchEndpoint(ctx, tracking)
	if err != nil {
		m.logger.Warn("endpoint resolution failed", "err", err)
		m.Dispatch(FetchEndpointFailed{Err: err})
		return
	}
	m.Dispatch(FetchEndpointSucceeded{URL: url})
}

func (m *Machine) goEffect(fn func()) {
	m.effects.Add(1)
	go func() {
		defer m.effects.Done()
		fn()
	}()
}

func (m *Machine) startTimer() {
	m.stopTimer()
	m.timer = time.AfterFunc(m.timings.DecisionTimeout, func() {
		m.Dispatch(Timeout{})
	})
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// TrackingReceived and NavigationReceived make the machine an
// attribution.Sink.
func (m *Machine) TrackingReceived(tracking map[string]string) {
	m.Dispatch(TrackingReceived{Tracking: tracking})
}

func (m *Machine) NavigationReceived(navigation map[string]string) {
	m.Dispatch(NavigationReceived{Navigation: navigation})
}

// PushOpened makes the machine an attribution.PushSink.
func (m *Machine) PushOpened(url string) {
	m.Dispatch(PushOpened{URL: url})
}

// NetworkStatusChanged is the connectivity monitor callback.
func (m *Machine) NetworkStatusChanged(connected bool) {
	m.Dispatch(NetworkStatusChanged{Connected: connected})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
