package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthnotes/gate/internal/store"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func reduceAll(s State, events ...Event) State {
	for _, ev := range events {
		s = Reduce(s, ev, t0)
	}
	return s
}

func TestCanAskBoundary(t *testing.T) {
	tests := []struct {
		name string
		info NotificationInfo
		want bool
	}{
		{name: "never asked", info: NotificationInfo{}, want: true},
		{name: "exactly three days", info: NotificationInfo{LastRequest: t0.Add(-72 * time.Hour)}, want: true},
		{name: "just under three days", info: NotificationInfo{LastRequest: t0.Add(-72*time.Hour + time.Nanosecond)}, want: false},
		{name: "a week ago", info: NotificationInfo{LastRequest: t0.Add(-7 * 24 * time.Hour)}, want: true},
		{name: "approved", info: NotificationInfo{Status: Approved}, want: false},
		{name: "rejected long ago", info: NotificationInfo{Status: Rejected, LastRequest: t0.AddDate(-1, 0, 0)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.CanAsk(t0))
		})
	}
}

func TestInitializeAndTimeout(t *testing.T) {
	s := reduceAll(Initial(), Initialize{})
	assert.Equal(t, PhaseLoading, s.Phase.Kind)

	s = Reduce(s, Timeout{}, t0)
	assert.Equal(t, PhasePaused, s.Phase.Kind)
	assert.True(t, s.UI.NavigateLocal)
	assert.False(t, s.Locked)
}

func TestLockedIgnoresTimeoutAndNetwork(t *testing.T) {
	s := reduceAll(Initial(),
		Initialize{},
		TrackingReceived{Tracking: map[string]string{"af_status": "Non-organic"}},
		ValidationStarted{},
		ValidationSucceeded{},
		FetchEndpointSucceeded{URL: "https://remote.example"},
	)
	require.True(t, s.Locked)
	require.Equal(t, Running("https://remote.example"), s.Phase)

	after := reduceAll(s, Timeout{}, NetworkStatusChanged{Connected: false})
	assert.Equal(t, s, after)
}

func TestNetworkStatusBeforeLock(t *testing.T) {
	s := reduceAll(Initial(), Initialize{}, NetworkStatusChanged{Connected: false})
	assert.True(t, s.UI.Offline)
	assert.Equal(t, PhaseLoading, s.Phase.Kind, "offline is a flag, not a phase")

	s = Reduce(s, NetworkStatusChanged{Connected: true}, t0)
	assert.False(t, s.UI.Offline)
}

func TestValidationFlow(t *testing.T) {
	s := reduceAll(Initial(), Initialize{}, ValidationStarted{})
	assert.Equal(t, PhaseChecking, s.Phase.Kind)

	ok := Reduce(s, ValidationSucceeded{}, t0)
	assert.Equal(t, PhaseApproved, ok.Phase.Kind)

	failed := Reduce(s, ValidationFailed{}, t0)
	assert.Equal(t, PhasePaused, failed.Phase.Kind)
	assert.True(t, failed.UI.NavigateLocal)
}

func TestFirstTerminalDecisionWins(t *testing.T) {
	paused := reduceAll(Initial(), Initialize{}, Timeout{})

	late := reduceAll(paused,
		TrackingReceived{Tracking: map[string]string{"af_status": "Organic"}},
		ValidationSucceeded{},
		FetchEndpointSucceeded{URL: "https://late.example"},
		FetchEndpointFailed{},
		StagedEndpointAdopted{URL: "https://staged.example"},
	)
	assert.Equal(t, paused, late)
}

func TestEndpointSuccessPromptBranch(t *testing.T) {
	approved := reduceAll(Initial(), Initialize{}, ValidationStarted{}, ValidationSucceeded{})

	s := Reduce(approved, FetchEndpointSucceeded{URL: "https://remote.example"}, t0)
	assert.Equal(t, "https://remote.example", s.Config.Endpoint)
	assert.Equal(t, ModeActive, s.Config.Mode)
	assert.False(t, s.Config.FirstLaunch)
	assert.True(t, s.UI.ShowNotificationPrompt)
	assert.False(t, s.UI.NavigateRemote)

	approved.Config.Notifications = NotificationInfo{Status: Rejected, LastRequest: t0.Add(-time.Hour)}
	s = Reduce(approved, FetchEndpointSucceeded{URL: "https://remote.example"}, t0)
	assert.False(t, s.UI.ShowNotificationPrompt)
	assert.True(t, s.UI.NavigateRemote)
}

func TestEndpointIsMonotonic(t *testing.T) {
	s := Initial()
	s.Config.Endpoint = "https://saved.example"
	s = reduceAll(s, Initialize{}, ValidationStarted{}, ValidationSucceeded{}, FetchEndpointSucceeded{URL: "https://fresh.example"})

	assert.Equal(t, "https://saved.example", s.Config.Endpoint)
	assert.Equal(t, Running("https://fresh.example"), s.Phase)
}

func TestFallbacks(t *testing.T) {
	approved := reduceAll(Initial(), Initialize{}, ValidationStarted{}, ValidationSucceeded{})

	for _, ev := range []Event{FetchEndpointFailed{}, FetchTrackingFailed{}, TrackingMissing{}} {
		t.Run(EventName(ev), func(t *testing.T) {
			local := Reduce(approved, ev, t0)
			assert.Equal(t, PhasePaused, local.Phase.Kind)
			assert.True(t, local.UI.NavigateLocal)
			assert.False(t, local.Locked)

			withSaved := approved
			withSaved.Config.Endpoint = "https://saved.example"
			withSaved.Config.Notifications.Status = Approved
			remote := Reduce(withSaved, ev, t0)
			assert.Equal(t, Running("https://saved.example"), remote.Phase)
			assert.True(t, remote.Locked)
			assert.True(t, remote.UI.NavigateRemote)
		})
	}
}

func TestStagedEndpointSkipsPrompt(t *testing.T) {
	approved := reduceAll(Initial(), Initialize{}, ValidationStarted{}, ValidationSucceeded{})

	s := Reduce(approved, StagedEndpointAdopted{URL: "https://push.example"}, t0)
	assert.Equal(t, Running("https://push.example"), s.Phase)
	assert.True(t, s.Locked)
	assert.True(t, s.UI.NavigateRemote)
	assert.False(t, s.UI.ShowNotificationPrompt)
	assert.Empty(t, s.Config.Endpoint, "push urls are not persisted as the endpoint")
}

func TestNotificationOutcomes(t *testing.T) {
	running := reduceAll(Initial(), Initialize{}, ValidationStarted{}, ValidationSucceeded{}, FetchEndpointSucceeded{URL: "https://r"})
	require.True(t, running.UI.ShowNotificationPrompt)

	tests := []struct {
		ev   Event
		want NotificationStatus
	}{
		{NotificationPermissionGranted{}, Approved},
		{NotificationPermissionDenied{}, Rejected},
		{NotificationPromptDismissed{}, NotAsked},
	}
	for _, tt := range tests {
		t.Run(EventName(tt.ev), func(t *testing.T) {
			s := Reduce(running, tt.ev, t0)
			assert.Equal(t, NotificationInfo{Status: tt.want, LastRequest: t0}, s.Config.Notifications)
			assert.False(t, s.UI.ShowNotificationPrompt)
			assert.True(t, s.UI.NavigateRemote)
		})
	}

	dismissed := Reduce(running, NotificationPromptDismissed{}, t0)
	assert.False(t, dismissed.Config.Notifications.CanAsk(t0.Add(48*time.Hour)))
	assert.True(t, dismissed.Config.Notifications.CanAsk(t0.Add(72*time.Hour)))
}

func TestPushOpened(t *testing.T) {
	loading := reduceAll(Initial(), Initialize{})
	assert.Equal(t, loading, Reduce(loading, PushOpened{URL: "https://p"}, t0))

	running := reduceAll(loading, ValidationStarted{}, ValidationSucceeded{}, FetchEndpointSucceeded{URL: "https://r"})
	s := Reduce(running, PushOpened{URL: "https://p"}, t0)
	assert.Equal(t, "https://p", s.UI.PendingTarget)
	assert.Equal(t, Running("https://r"), s.Phase)
}

func TestExplicitNavigation(t *testing.T) {
	s := reduceAll(Initial(), Initialize{}, NavigateToLocal{})
	assert.Equal(t, PhasePaused, s.Phase.Kind)
	assert.True(t, s.UI.NavigateLocal)
	assert.False(t, s.UI.NavigateRemote)

	running := reduceAll(Initial(), Initialize{}, ValidationStarted{}, ValidationSucceeded{}, FetchEndpointSucceeded{URL: "https://r"})
	s = Reduce(running, NavigateToLocal{}, t0)
	assert.Equal(t, running, s, "a running gate ignores local navigation")

	s = Reduce(running, NavigateToRemote{}, t0)
	assert.True(t, s.UI.NavigateRemote)
	assert.False(t, s.UI.NavigateLocal)
}

func TestNavigationFlagsStayExclusive(t *testing.T) {
	loading := reduceAll(Initial(), Initialize{})
	paused := Reduce(loading, Timeout{}, t0)

	tests := []struct {
		name   string
		events []Event
	}{
		{name: "dismissed before a decision", events: []Event{NotificationPromptDismissed{}, Timeout{}}},
		{name: "granted before a decision", events: []Event{NotificationPermissionGranted{}, Timeout{}}},
		{name: "remote before a decision", events: []Event{NavigateToRemote{}, Timeout{}}},
		{name: "denied while paused", events: []Event{Timeout{}, NotificationPermissionDenied{}}},
		{name: "remote while paused", events: []Event{Timeout{}, NavigateToRemote{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := reduceAll(loading, tt.events...)
			assert.Equal(t, paused, s)
			assert.True(t, s.UI.NavigateLocal)
			assert.False(t, s.UI.NavigateRemote)
			assert.Equal(t, NotificationInfo{}, s.Config.Notifications)
		})
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	tracking := map[string]string{"af_status": "Organic"}
	s := Reduce(Initial(), TrackingReceived{Tracking: tracking}, t0)
	tracking["af_status"] = "changed"
	assert.Equal(t, "Organic", s.Config.Tracking["af_status"])

	next := Reduce(s, FetchTrackingSucceeded{Tracking: map[string]string{"x": "y"}}, t0)
	assert.Equal(t, map[string]string{"af_status": "Organic"}, s.Config.Tracking)
	assert.Equal(t, map[string]string{"x": "y"}, next.Config.Tracking)
}

func TestConfigFromSnapshot(t *testing.T) {
	cfg := ConfigFromSnapshot(store.Snapshot{
		Endpoint:    "https://saved",
		Mode:        ModeActive,
		FirstLaunch: false,
		Tracking:    map[string]string{"af_status": "Organic"},
		Notifications: store.NotificationRecord{
			Approved:    true,
			Rejected:    true,
			LastRequest: t0,
		},
	})
	assert.Equal(t, "https://saved", cfg.Endpoint)
	assert.True(t, cfg.IsOrganic())
	assert.Equal(t, NotificationInfo{Status: Approved, LastRequest: t0}, cfg.Notifications)

	s := Reduce(Initial(), ConfigLoaded{Config: cfg}, t0)
	assert.Equal(t, cfg, s.Config)
	assert.Equal(t, PhaseStart, s.Phase.Kind)
}

func TestPhaseStrings(t *testing.T) {
	assert.Equal(t, "running(https://r)", Running("https://r").String())
	assert.Equal(t, "paused", Phase{Kind: PhasePaused}.String())
	assert.Equal(t, "offline", PhaseOffline.String())
	assert.True(t, Phase{Kind: PhasePaused}.Terminal())
	assert.False(t, Phase{Kind: PhaseApproved}.Terminal())
}
