// Package gate decides on every launch whether the app shows local content
// or a server-resolved remote endpoint.
//
// State changes only through Reduce, a pure function. Machine owns the state
// on a single goroutine, runs side effects asynchronously and feeds their
// results back through Dispatch.
package gate

import (
	"maps"
	"time"

	"depthnotes/gate/internal/attribution"
	"depthnotes/gate/internal/store"
)

type PhaseKind int

const (
	PhaseStart PhaseKind = iota
	PhaseLoading
	PhaseChecking
	PhaseApproved
	PhaseRunning
	PhasePaused
	// PhaseOffline is kept for renderers that switch on phase; connectivity
	// is reported through UI.Offline instead.
	PhaseOffline
)

func (k PhaseKind) String() string {
	switch k {
	case PhaseStart:
		return "start"
	case PhaseLoading:
		return "loading"
	case PhaseChecking:
		return "checking"
	case PhaseApproved:
		return "approved"
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Phase is the gate's position in the decision flow. Endpoint is only set
// for PhaseRunning.
type Phase struct {
	Kind     PhaseKind
	Endpoint string
}

func Running(endpoint string) Phase {
	return Phase{Kind: PhaseRunning, Endpoint: endpoint}
}

func (p Phase) String() string {
	if p.Kind == PhaseRunning {
		return "running(" + p.Endpoint + ")"
	}
	return p.Kind.String()
}

// Terminal reports whether a decision has been made.
func (p Phase) Terminal() bool {
	return p.Kind == PhaseRunning || p.Kind == PhasePaused
}

type NotificationStatus int

const (
	NotAsked NotificationStatus = iota
	Approved
	Rejected
)

func (s NotificationStatus) String() string {
	switch s {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "not_asked"
	}
}

// AskInterval is the minimum gap between two permission prompts.
const AskInterval = 72 * time.Hour

type NotificationInfo struct {
	Status      NotificationStatus
	LastRequest time.Time
}

// CanAsk reports whether the permission prompt may be shown at now.
func (n NotificationInfo) CanAsk(now time.Time) bool {
	if n.Status != NotAsked {
		return false
	}
	if n.LastRequest.IsZero() {
		return true
	}
	return now.Sub(n.LastRequest) >= AskInterval
}

type Config struct {
	// Endpoint is set once and never changes afterwards.
	Endpoint      string
	Mode          string
	FirstLaunch   bool
	Tracking      map[string]string
	Navigation    map[string]string
	Notifications NotificationInfo
}

func (c Config) IsOrganic() bool {
	return attribution.IsOrganic(c.Tracking)
}

// UI is what the renderer acts on.
type UI struct {
	NavigateLocal          bool
	NavigateRemote         bool
	ShowNotificationPrompt bool
	Offline                bool
	// PendingTarget is a push URL opened while the remote view is already up.
	PendingTarget string
}

type State struct {
	Phase  Phase
	Config Config
	UI     UI
	// Locked is set once a terminal URL has been adopted.
	Locked bool
}

func Initial() State {
	return State{
		Phase:  Phase{Kind: PhaseStart},
		Config: Config{FirstLaunch: true},
	}
}

// Clone returns a copy that shares no maps with s.
func (s State) Clone() State {
	out := s
	out.Config.Tracking = maps.Clone(s.Config.Tracking)
	out.Config.Navigation = maps.Clone(s.Config.Navigation)
	return out
}

// ConfigFromSnapshot maps a persisted snapshot onto Config. Approved wins
// over Rejected if both were somehow stored.
func ConfigFromSnapshot(snap store.Snapshot) Config {
	status := NotAsked
	switch {
	case snap.Notifications.Approved:
		status = Approved
	case snap.Notifications.Rejected:
		status = Rejected
	}
	return Config{
		Endpoint:    snap.Endpoint,
		Mode:        snap.Mode,
		FirstLaunch: snap.FirstLaunch,
		Tracking:    maps.Clone(snap.Tracking),
		Navigation:  maps.Clone(snap.Navigation),
		Notifications: NotificationInfo{
			Status:      status,
			LastRequest: snap.Notifications.LastRequest,
		},
	}
}

func notificationRecord(info NotificationInfo) store.NotificationRecord {
	return store.NotificationRecord{
		Approved:    info.Status == Approved,
		Rejected:    info.Status == Rejected,
		LastRequest: info.LastRequest,
	}
}
