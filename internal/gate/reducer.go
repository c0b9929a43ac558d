package gate

import (
	"maps"
	"time"
)

const ModeActive = "Active"

// Reduce returns the state after ev. It never mutates s and performs no I/O.
//
// Once the phase is terminal, late validation, tracking and endpoint results
// are discarded so the first decision stands.
func Reduce(s State, ev Event, now time.Time) State {
	next := s.Clone()
	decided := s.Phase.Terminal()

	switch e := ev.(type) {
	case ConfigLoaded:
		next.Config = e.Config
		next.Config.Tracking = maps.Clone(e.Config.Tracking)
		next.Config.Navigation = maps.Clone(e.Config.Navigation)

	case Initialize:
		if next.Phase.Kind == PhaseStart {
			next.Phase = Phase{Kind: PhaseLoading}
		}

	case Timeout:
		if next.Locked || decided {
			break
		}
		next.Phase = Phase{Kind: PhasePaused}
		next.UI.NavigateLocal = true

	case TrackingReceived:
		if decided {
			break
		}
		next.Config.Tracking = maps.Clone(e.Tracking)

	case NavigationReceived:
		next.Config.Navigation = maps.Clone(e.Navigation)

	case NetworkStatusChanged:
		if next.Locked {
			break
		}
		next.UI.Offline = !e.Connected

	case ValidationStarted:
		if k := next.Phase.Kind; k == PhaseStart || k == PhaseLoading {
			next.Phase = Phase{Kind: PhaseChecking}
		}

	case ValidationSucceeded:
		if decided {
			break
		}
		next.Phase = Phase{Kind: PhaseApproved}

	case ValidationFailed:
		if decided {
			break
		}
		next.Phase = Phase{Kind: PhasePaused}
		next.UI.NavigateLocal = true

	case FetchTrackingSucceeded:
		if decided {
			break
		}
		next.Config.Tracking = maps.Clone(e.Tracking)

	case TrackingMissing, FetchTrackingFailed, FetchEndpointFailed:
		if decided {
			break
		}
		next = fallback(next, now)

	case FetchEndpointSucceeded:
		if decided {
			break
		}
		if next.Config.Endpoint == "" {
			next.Config.Endpoint = e.URL
		}
		next.Config.Mode = ModeActive
		next.Config.FirstLaunch = false
		next = adopt(next, e.URL, now)

	case StagedEndpointAdopted:
		if decided {
			break
		}
		next.Phase = Running(e.URL)
		next.Locked = true
		next.UI.NavigateRemote = true

	case PushOpened:
		if next.Phase.Kind == PhaseRunning {
			next.UI.PendingTarget = e.URL
		}

	case NotificationPermissionGranted:
		next = answered(next, Approved, now)

	case NotificationPermissionDenied:
		next = answered(next, Rejected, now)

	case NotificationPromptDismissed:
		next = answered(next, NotAsked, now)

	case NavigateToLocal:
		if next.Phase.Kind == PhaseRunning {
			break
		}
		next.Phase = Phase{Kind: PhasePaused}
		next.UI.NavigateLocal = true

	case NavigateToRemote:
		if next.Phase.Kind != PhaseRunning {
			break
		}
		next.UI.NavigateRemote = true
	}

	return next
}

// adopt moves to Running(url) and either asks for notification permission
// or sends the user straight to the remote view.
func adopt(s State, url string, now time.Time) State {
	s.Phase = Running(url)
	s.Locked = true
	if s.Config.Notifications.CanAsk(now) {
		s.UI.ShowNotificationPrompt = true
	} else {
		s.UI.NavigateRemote = true
	}
	return s
}

// fallback reuses the persisted endpoint if there is one, otherwise falls
// back to local content.
func fallback(s State, now time.Time) State {
	if s.Config.Endpoint != "" {
		return adopt(s, s.Config.Endpoint, now)
	}
	s.Phase = Phase{Kind: PhasePaused}
	s.UI.NavigateLocal = true
	return s
}

// answered records a prompt outcome and releases the remote view. Outside
// Running there is no remote view to release, so it is a no-op.
func answered(s State, status NotificationStatus, now time.Time) State {
	if s.Phase.Kind != PhaseRunning {
		return s
	}
	s.Config.Notifications = NotificationInfo{Status: status, LastRequest: now}
	s.UI.ShowNotificationPrompt = false
	s.UI.NavigateRemote = true
	return s
}
