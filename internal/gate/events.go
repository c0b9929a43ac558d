package gate

// Event is anything the machine reacts to.
type Event interface {
	eventName() string
}

type (
	ConfigLoaded struct{ Config Config }
	Initialize   struct{}
	Timeout      struct{}

	TrackingReceived   struct{ Tracking map[string]string }
	NavigationReceived struct{ Navigation map[string]string }

	NetworkStatusChanged struct{ Connected bool }

	ValidationStarted   struct{}
	ValidationSucceeded struct{}
	ValidationFailed    struct{ Err error }

	// TrackingMissing is raised after approval when no tracking data exists.
	TrackingMissing struct{}

	FetchTrackingStarted   struct{}
	FetchTrackingSucceeded struct{ Tracking map[string]string }
	FetchTrackingFailed    struct{ Err error }

	FetchEndpointStarted   struct{}
	FetchEndpointSucceeded struct{ URL string }
	FetchEndpointFailed    struct{ Err error }

	// StagedEndpointAdopted carries a push URL that was waiting for approval.
	StagedEndpointAdopted struct{ URL string }
	PushOpened            struct{ URL string }

	NotificationPermissionRequested struct{}
	NotificationPermissionGranted   struct{}
	NotificationPermissionDenied    struct{}
	NotificationPromptDismissed     struct{}

	NavigateToLocal  struct{}
	NavigateToRemote struct{}
)

func (ConfigLoaded) eventName() string                    { return "config_loaded" }
func (Initialize) eventName() string                      { return "initialize" }
func (Timeout) eventName() string                         { return "timeout" }
func (TrackingReceived) eventName() string                { return "tracking_received" }
func (NavigationReceived) eventName() string              { return "navigation_received" }
func (NetworkStatusChanged) eventName() string            { return "network_status_changed" }
func (ValidationStarted) eventName() string               { return "validation_started" }
func (ValidationSucceeded) eventName() string             { return "validation_succeeded" }
func (ValidationFailed) eventName() string                { return "validation_failed" }
func (TrackingMissing) eventName() string                 { return "tracking_missing" }
func (FetchTrackingStarted) eventName() string            { return "fetch_tracking_started" }
func (FetchTrackingSucceeded) eventName() string          { return "fetch_tracking_succeeded" }
func (FetchTrackingFailed) eventName() string             { return "fetch_tracking_failed" }
func (FetchEndpointStarted) eventName() string            { return "fetch_endpoint_started" }
func (FetchEndpointSucceeded) eventName() string          { return "fetch_endpoint_succeeded" }
func (FetchEndpointFailed) eventName() string             { return "fetch_endpoint_failed" }
func (StagedEndpointAdopted) eventName() string           { return "staged_endpoint_adopted" }
func (PushOpened) eventName() string                      { return "push_opened" }
func (NotificationPermissionRequested) eventName() string { return "notification_permission_requested" }
func (NotificationPermissionGranted) eventName() string   { return "notification_permission_granted" }
func (NotificationPermissionDenied) eventName() string    { return "notification_permission_denied" }
func (NotificationPromptDismissed) eventName() string     { return "notification_prompt_dismissed" }
func (NavigateToLocal) eventName() string                 { return "navigate_to_local" }
func (NavigateToRemote) eventName() string                { return "navigate_to_remote" }

// EventName returns a stable identifier for logs.
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}
