package attribution

import (
	"context"
	"log/slog"

	"depthnotes/gate/internal/logging"
)

// ExtractPushURL finds the target URL in a push payload. Keys are checked in
// order: url, data.url, aps.data.url, custom.target_url.
func ExtractPushURL(payload map[string]any) (string, bool) {
	if url, ok := stringAt(payload, "url"); ok {
		return url, true
	}
	if url, ok := stringAt(payload, "data", "url"); ok {
		return url, true
	}
	if url, ok := stringAt(payload, "aps", "data", "url"); ok {
		return url, true
	}
	if url, ok := stringAt(payload, "custom", "target_url"); ok {
		return url, true
	}
	return "", false
}

func stringAt(payload map[string]any, path ...string) (string, bool) {
	current := payload
	for i, key := range path {
		value, ok := current[key]
		if !ok {
			return "", false
		}
		if i == len(path)-1 {
			s, ok := value.(string)
			return s, ok && s != ""
		}
		next, ok := value.(map[string]any)
		if !ok {
			return "", false
		}
		current = next
	}
	return "", false
}

// Stager holds a push URL until the gate can adopt it.
type Stager interface {
	StageEndpoint(ctx context.Context, url string)
}

// PushSink is told when the user opened a push carrying a URL.
type PushSink interface {
	PushOpened(url string)
}

type Router struct {
	stager Stager
	sink   PushSink
	logger *slog.Logger
}

func NewRouter(stager Stager, sink PushSink, logger *slog.Logger) *Router {
	return &Router{
		stager: stager,
		sink:   sink,
		logger: logging.OrDefault(logger).With("component", "push"),
	}
}

// HandlePush stages the payload's URL and notifies the sink. Payloads
// without a URL are ignored.
func (r *Router) HandlePush(ctx context.Context, payload map[string]any) (string, bool) {
	url, ok := ExtractPushURL(payload)
	if !ok {
		r.logger.Debug("push payload carries no url")
		return "", false
	}

	r.stager.StageEndpoint(ctx, url)
	if r.sink != nil {
		r.sink.PushOpened(url)
	}
	r.logger.Info("push url staged", "url", url)
	return url, true
}
