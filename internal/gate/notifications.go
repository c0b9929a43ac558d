package gate

import "context"

// PermissionRequester shows the system notification prompt.
type PermissionRequester interface {
	RequestAuthorization(ctx context.Context) (bool, error)
	RegisterForRemoteNotifications(ctx context.Context)
}

// StaticRequester answers every prompt the same way.
type StaticRequester struct {
	Granted bool
	Err     error

	// Registered is called on RegisterForRemoteNotifications when set.
	Registered func()
}

func (r StaticRequester) RequestAuthorization(context.Context) (bool, error) {
	return r.Granted, r.Err
}

func (r StaticRequester) RegisterForRemoteNotifications(context.Context) {
	if r.Registered != nil {
		r.Registered()
	}
}

// NopRequester denies every prompt.
type NopRequester struct{}

func (NopRequester) RequestAuthorization(context.Context) (bool, error) { return false, nil }

func (NopRequester) RegisterForRemoteNotifications(context.Context) {}

// requestPermission runs the prompt and reports the outcome as an event.
// Errors count as a denial.
func requestPermission(ctx context.Context, r PermissionRequester) Event {
	granted, err := r.RequestAuthorization(ctx)
	if err != nil || !granted {
		return NotificationPermissionDenied{}
	}
	r.RegisterForRemoteNotifications(ctx)
	return NotificationPermissionGranted{}
}
