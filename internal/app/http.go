package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"depthnotes/gate/internal/attribution"
	"depthnotes/gate/internal/gate"
	"depthnotes/gate/internal/logging"
)

const maxWait = 25 * time.Second

// Gate is the part of the state machine the HTTP surface drives.
type Gate interface {
	Dispatch(ev gate.Event)
	State() gate.State
	WaitFor(ctx context.Context, pred func(gate.State) bool) (gate.State, error)
}

type Collector interface {
	ReceiveTracking(ctx context.Context, payload map[string]string)
	ReceiveNavigation(ctx context.Context, payload map[string]string)
}

type PushRouter interface {
	HandlePush(ctx context.Context, payload map[string]any) (string, bool)
}

type Store interface {
	Ping(ctx context.Context) error
	SavePushToken(ctx context.Context, token string)
}

type Deps struct {
	Gate       Gate
	Collector  Collector
	Push       PushRouter
	Store      Store
	CORSOrigin string
	Logger     *slog.Logger
}

type HTTPServer struct {
	gate       Gate
	collector  Collector
	push       PushRouter
	store      Store
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(deps Deps) *HTTPServer {
	origin := deps.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return &HTTPServer{
		gate:       deps.Gate,
		collector:  deps.Collector,
		push:       deps.Push,
		store:      deps.Store,
		corsOrigin: origin,
		logger:     logging.OrDefault(deps.Logger).With("component", "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/state" {
		s.handleState(w, r)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch r.URL.Path {
	case "/api/attribution/tracking":
		s.handleTracking(w, r)
	case "/api/attribution/failure":
		s.handleTrackingFailure(w, r)
	case "/api/attribution/navigation":
		s.handleNavigation(w, r)
	case "/api/push":
		s.handlePush(w, r)
	case "/api/push/token":
		s.handlePushToken(w, r)
	case "/api/notifications/request":
		s.dispatch(w, r, gate.NotificationPermissionRequested{})
	case "/api/notifications/dismiss":
		s.dispatch(w, r, gate.NotificationPromptDismissed{})
	case "/api/navigate/local":
		s.dispatch(w, r, gate.NavigateToLocal{})
	case "/api/navigate/remote":
		s.dispatch(w, r, gate.NavigateToRemote{})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
	}

	if err := s.store.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleState returns the current state. With ?wait=<duration> it blocks
// until the gate has decided or the wait elapses.
func (s *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.gate.State()

	if raw := strings.TrimSpace(r.URL.Query().Get("wait")); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_WAIT", "wait must be a positive duration", nil)
			return
		}
		if wait > maxWait {
			wait = maxWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		state, _ = s.gate.WaitFor(ctx, gate.Decided)
	}

	writeJSON(w, http.StatusOK, stateResponse(state))
}

func (s *HTTPServer) handleTracking(w http.ResponseWriter, r *http.Request) {
	payload, err := attribution.DecodeObject(r.Body)
	if err != nil {
		writeDomainError(w, invalidBody(err))
		return
	}
	s.collector.ReceiveTracking(context.WithoutCancel(r.Context()), attribution.Normalize(payload))
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleTrackingFailure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, invalidBody(err))
		return
	}
	message := strings.TrimSpace(body.Message)
	if message == "" {
		message = "attribution failed"
	}
	s.collector.ReceiveTracking(context.WithoutCancel(r.Context()), attribution.FailurePayload(errors.New(message)))
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleNavigation(w http.ResponseWriter, r *http.Request) {
	payload, err := attribution.DecodeObject(r.Body)
	if err != nil {
		writeDomainError(w, invalidBody(err))
		return
	}
	s.collector.ReceiveNavigation(context.WithoutCancel(r.Context()), attribution.Normalize(payload))
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := attribution.DecodeObject(r.Body)
	if err != nil {
		writeDomainError(w, invalidBody(err))
		return
	}
	url, ok := s.push.HandlePush(r.Context(), payload)
	if !ok {
		s.requestLogger(r.Context()).Debug("push payload without a url")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "staged": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "staged": true, "url": url})
}

func (s *HTTPServer) handlePushToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, invalidBody(err))
		return
	}
	token := strings.TrimSpace(body.Token)
	if token == "" {
		writeDomainError(w, domainError(http.StatusUnprocessableEntity, "TOKEN_REQUIRED", "token is required", nil))
		return
	}
	s.store.SavePushToken(r.Context(), token)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) dispatch(w http.ResponseWriter, r *http.Request, ev gate.Event) {
	s.requestLogger(r.Context()).Debug("event dispatched", "event", gate.EventName(ev))
	s.gate.Dispatch(ev)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "event": gate.EventName(ev)})
}

func stateResponse(s gate.State) map[string]any {
	notifications := map[string]any{
		"status": s.Config.Notifications.Status.String(),
	}
	if !s.Config.Notifications.LastRequest.IsZero() {
		notifications["lastRequest"] = s.Config.Notifications.LastRequest.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"phase":    s.Phase.Kind.String(),
		"endpoint": s.Phase.Endpoint,
		"decided":  gate.Decided(s),
		"locked":   s.Locked,
		"ui": map[string]any{
			"navigateLocal":          s.UI.NavigateLocal,
			"navigateRemote":         s.UI.NavigateRemote,
			"showNotificationPrompt": s.UI.ShowNotificationPrompt,
			"offline":                s.UI.Offline,
			"pendingTarget":          s.UI.PendingTarget,
		},
		"config": map[string]any{
			"mode":          s.Config.Mode,
			"firstLaunch":   s.Config.FirstLaunch,
			"hasEndpoint":   s.Config.Endpoint != "",
			"organic":       s.Config.IsOrganic(),
			"notifications": notifications,
		},
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.requestLogger(ctx).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// requestLogger tags the server logger with the request ID set by the
// middleware.
func (s *HTTPServer) requestLogger(ctx context.Context) *slog.Logger {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, err *DomainError) {
	writeError(w, err.Status, err.Code, err.Message, err.Details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
