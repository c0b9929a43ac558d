package gate

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthnotes/gate/internal/store"
)

type fakeValidator struct {
	calls      atomic.Int32
	validateFn func(ctx context.Context) (bool, error)
}

func (f *fakeValidator) Validate(ctx context.Context) (bool, error) {
	f.calls.Add(1)
	if f.validateFn == nil {
		return true, nil
	}
	return f.validateFn(ctx)
}

type fakeBackend struct {
	mu              sync.Mutex
	endpointCalls   []map[string]string
	trackingCalls   []string
	fetchTrackingFn func(ctx context.Context, deviceID string) (map[string]any, error)
	fetchEndpointFn func(ctx context.Context, tracking map[string]string) (string, error)
}

func (f *fakeBackend) FetchTracking(ctx context.Context, deviceID string) (map[string]any, error) {
	f.mu.Lock()
	f.trackingCalls = append(f.trackingCalls, deviceID)
	f.mu.Unlock()
	if f.fetchTrackingFn == nil {
		return nil, errors.New("fetchTracking not implemented")
	}
	return f.fetchTrackingFn(ctx, deviceID)
}

func (f *fakeBackend) FetchEndpoint(ctx context.Context, tracking map[string]string) (string, error) {
	f.mu.Lock()
	f.endpointCalls = append(f.endpointCalls, maps.Clone(tracking))
	f.mu.Unlock()
	if f.fetchEndpointFn == nil {
		return "", errors.New("fetchEndpoint not implemented")
	}
	return f.fetchEndpointFn(ctx, tracking)
}

func (f *fakeBackend) endpointRequests() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.endpointCalls...)
}

type harness struct {
	machine   *Machine
	store     *store.Gateway
	validator *fakeValidator
	backend   *fakeBackend
	stop      func()
}

func newHarness(t *testing.T, timings Timings, requester PermissionRequester) *harness {
	t.Helper()
	gw := store.NewGateway(store.NewMemoryKV(), store.Options{})
	h := &harness{
		store:     gw,
		validator: &fakeValidator{},
		backend:   &fakeBackend{},
	}
	if timings.DecisionTimeout == 0 {
		timings.DecisionTimeout = 2 * time.Second
	}
	if timings.OrganicDelay == 0 {
		timings.OrganicDelay = 5 * time.Millisecond
	}
	h.machine = New(Deps{
		Store:         gw,
		Validator:     h.validator,
		Backend:       h.backend,
		Notifications: requester,
		Timings:       timings,
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.machine.Run(ctx)
	}()
	var once sync.Once
	h.stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(h.stop)
	h.machine.Launch(ctx)
}

func (h *harness) waitDecided(t *testing.T) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := h.machine.WaitFor(ctx, Decided)
	require.NoError(t, err, "gate never decided, last state %+v", s)
	return s
}

// Scenario A: organic first launch resolves an endpoint through the
// re-fetched tracking data and asks for notification permission.
func TestScenarioOrganicFirstLaunch(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	h.backend.fetchTrackingFn = func(context.Context, string) (map[string]any, error) {
		return map[string]any{"af_status": "Organic", "media_source": "organic_search", "cost": 0}, nil
	}
	h.backend.fetchEndpointFn = func(context.Context, map[string]string) (string, error) {
		return "https://remote.example/app", nil
	}
	h.start(t)

	h.machine.NavigationReceived(map[string]string{"campaign": "spring"})
	h.machine.TrackingReceived(map[string]string{"af_status": "Organic"})

	s := h.waitDecided(t)
	assert.Equal(t, Running("https://remote.example/app"), s.Phase)
	assert.True(t, s.Locked)
	assert.True(t, s.UI.ShowNotificationPrompt)
	assert.False(t, s.UI.NavigateRemote)
	assert.Equal(t, "https://remote.example/app", s.Config.Endpoint)
	assert.False(t, s.Config.FirstLaunch)

	requests := h.backend.endpointRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, map[string]string{
		"af_status":    "Organic",
		"media_source": "organic_search",
		"cost":         "0",
		"campaign":     "spring",
	}, requests[0])

	h.stop()
	snap := h.store.Load(context.Background())
	assert.Equal(t, "https://remote.example/app", snap.Endpoint)
	assert.Equal(t, ModeActive, snap.Mode)
	assert.False(t, snap.FirstLaunch)
	assert.Equal(t, "organic_search", snap.Tracking["media_source"])
	assert.Equal(t, map[string]string{"campaign": "spring"}, snap.Navigation)
}

// Scenario B: validation fails, the gate shows local content without any
// backend call.
func TestScenarioValidationFails(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	h.validator.validateFn = func(context.Context) (bool, error) { return false, nil }
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})

	s := h.waitDecided(t)
	assert.Equal(t, PhasePaused, s.Phase.Kind)
	assert.True(t, s.UI.NavigateLocal)
	assert.Empty(t, h.backend.endpointRequests())
}

func TestValidationErrorFailsClosed(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	h.validator.validateFn = func(context.Context) (bool, error) { return false, errors.New("permission denied") }
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})

	s := h.waitDecided(t)
	assert.Equal(t, PhasePaused, s.Phase.Kind)
	assert.True(t, s.UI.NavigateLocal)
}

// Scenario C: endpoint resolution fails but an endpoint from an earlier
// launch exists.
func TestScenarioEndpointFailsWithSavedEndpoint(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	ctx := context.Background()
	h.store.SaveEndpoint(ctx, "https://saved.example")
	h.store.MarkFirstLaunchDone(ctx)
	h.store.SaveNotifications(ctx, store.NotificationRecord{Approved: true, LastRequest: time.Now()})
	h.backend.fetchEndpointFn = func(context.Context, map[string]string) (string, error) {
		return "", errors.New("rate limited")
	}
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})

	s := h.waitDecided(t)
	assert.Equal(t, Running("https://saved.example"), s.Phase)
	assert.True(t, s.UI.NavigateRemote)
	assert.False(t, s.UI.ShowNotificationPrompt)
	assert.Len(t, h.backend.endpointRequests(), 1)
}

// Scenario D: nothing arrives before the decision timeout.
func TestScenarioTimeout(t *testing.T) {
	h := newHarness(t, Timings{DecisionTimeout: 30 * time.Millisecond}, nil)
	h.start(t)

	s := h.waitDecided(t)
	assert.Equal(t, PhasePaused, s.Phase.Kind)
	assert.True(t, s.UI.NavigateLocal)
	assert.Zero(t, h.validator.calls.Load())
}

func TestLockedMachineIgnoresTimeoutAndNetwork(t *testing.T) {
	h := newHarness(t, Timings{DecisionTimeout: 80 * time.Millisecond}, nil)
	h.backend.fetchEndpointFn = func(context.Context, map[string]string) (string, error) {
		return "https://remote.example", nil
	}
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})
	locked := h.waitDecided(t)
	require.True(t, locked.Locked)

	h.machine.NetworkStatusChanged(false)
	h.machine.Dispatch(Timeout{})
	time.Sleep(150 * time.Millisecond)

	s := h.machine.State()
	assert.Equal(t, Running("https://remote.example"), s.Phase)
	assert.False(t, s.UI.Offline)
	assert.False(t, s.UI.NavigateLocal)
}

func TestLateEndpointAfterTimeoutIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Timings{DecisionTimeout: 30 * time.Millisecond}, nil)
	h.backend.fetchEndpointFn = func(ctx context.Context, _ map[string]string) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "https://late.example", nil
	}
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})
	s := h.waitDecided(t)
	require.Equal(t, PhasePaused, s.Phase.Kind)

	close(release)
	require.Eventually(t, func() bool { return len(h.backend.endpointRequests()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, PhasePaused, h.machine.State().Phase.Kind)
	h.stop()
	assert.Empty(t, h.store.Load(context.Background()).Endpoint)
}

func TestValidationRunsOnce(t *testing.T) {
	gateValidation := make(chan struct{})
	h := newHarness(t, Timings{}, nil)
	h.validator.validateFn = func(context.Context) (bool, error) {
		<-gateValidation
		return false, nil
	}
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Organic"})
	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})
	time.Sleep(20 * time.Millisecond)
	close(gateValidation)

	h.waitDecided(t)
	assert.Equal(t, int32(1), h.validator.calls.Load())
}

func TestStagedPushURLIsAdopted(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	h.store.StageEndpoint(context.Background(), "https://push.example/promo")
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})

	s := h.waitDecided(t)
	assert.Equal(t, Running("https://push.example/promo"), s.Phase)
	assert.True(t, s.UI.NavigateRemote)
	assert.Empty(t, h.backend.endpointRequests())

	_, ok := h.store.TakeStagedEndpoint(context.Background())
	assert.False(t, ok, "staged url is consumed")
}

func TestEmptyTrackingUsesSavedEndpoint(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	h.store.SaveEndpoint(context.Background(), "https://saved.example")
	h.start(t)

	h.machine.TrackingReceived(map[string]string{})

	s := h.waitDecided(t)
	assert.Equal(t, Running("https://saved.example"), s.Phase)
	assert.Empty(t, h.backend.endpointRequests())
}

func TestOrganicFetchFailureFallsBack(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	h.backend.fetchTrackingFn = func(context.Context, string) (map[string]any, error) {
		return nil, errors.New("404")
	}
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Organic"})

	s := h.waitDecided(t)
	assert.Equal(t, PhasePaused, s.Phase.Kind)
	assert.True(t, s.UI.NavigateLocal)
	assert.Equal(t, []string{h.store.DeviceID(context.Background())}, h.backend.trackingCalls)
}

func TestNotificationPermissionFlow(t *testing.T) {
	var registered atomic.Bool
	requester := StaticRequester{Granted: true, Registered: func() { registered.Store(true) }}
	h := newHarness(t, Timings{}, requester)
	h.backend.fetchEndpointFn = func(context.Context, map[string]string) (string, error) {
		return "https://remote.example", nil
	}
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})
	s := h.waitDecided(t)
	require.True(t, s.UI.ShowNotificationPrompt)

	h.machine.Dispatch(NotificationPermissionRequested{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := h.machine.WaitFor(ctx, func(s State) bool { return s.UI.NavigateRemote })
	require.NoError(t, err)
	assert.Equal(t, Approved, s.Config.Notifications.Status)
	assert.False(t, s.UI.ShowNotificationPrompt)
	assert.True(t, registered.Load())

	h.stop()
	assert.True(t, h.store.Load(context.Background()).Notifications.Approved)
}

func TestNotificationPermissionErrorIsDenial(t *testing.T) {
	ev := requestPermission(context.Background(), StaticRequester{Granted: true, Err: errors.New("boom")})
	assert.Equal(t, NotificationPermissionDenied{}, ev)
	assert.Equal(t, NotificationPermissionDenied{}, requestPermission(context.Background(), NopRequester{}))
}

func TestPushWhileRunningSetsPendingTarget(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	h.backend.fetchEndpointFn = func(context.Context, map[string]string) (string, error) {
		return "https://remote.example", nil
	}
	h.start(t)
	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})
	h.waitDecided(t)

	h.store.StageEndpoint(context.Background(), "https://push.example")
	h.machine.PushOpened("https://push.example")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := h.machine.WaitFor(ctx, func(s State) bool { return s.UI.PendingTarget != "" })
	require.NoError(t, err)
	assert.Equal(t, "https://push.example", s.UI.PendingTarget)

	h.stop()
	_, ok := h.store.TakeStagedEndpoint(context.Background())
	assert.False(t, ok)
}

func TestDecisionIsStoredBeforeWaitersWake(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	h.backend.fetchEndpointFn = func(context.Context, map[string]string) (string, error) {
		return "https://remote.example", nil
	}
	h.start(t)

	h.machine.TrackingReceived(map[string]string{"af_status": "Non-organic"})
	h.waitDecided(t)

	snap := h.store.Load(context.Background())
	assert.Equal(t, "https://remote.example", snap.Endpoint)
	assert.Equal(t, ModeActive, snap.Mode)
	assert.False(t, snap.FirstLaunch)
}

func TestPermissionRequestNeedsPendingPrompt(t *testing.T) {
	var registered atomic.Bool
	requester := StaticRequester{Granted: true, Registered: func() { registered.Store(true) }}
	h := newHarness(t, Timings{DecisionTimeout: 20 * time.Millisecond}, requester)
	h.start(t)

	s := h.waitDecided(t)
	require.Equal(t, PhasePaused, s.Phase.Kind)

	h.machine.Dispatch(NotificationPermissionRequested{})
	h.machine.Dispatch(NavigateToRemote{})
	time.Sleep(50 * time.Millisecond)

	s = h.machine.State()
	assert.False(t, registered.Load())
	assert.Equal(t, NotAsked, s.Config.Notifications.Status)
	assert.True(t, s.UI.NavigateLocal)
	assert.False(t, s.UI.NavigateRemote)

	h.stop()
	assert.False(t, h.store.Load(context.Background()).Notifications.Approved)
}

func TestWaitForHonoursContext(t *testing.T) {
	h := newHarness(t, Timings{}, nil)
	h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.machine.WaitFor(ctx, Decided)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
