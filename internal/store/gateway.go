// Package store persists the gate's configuration across launches.
//
// The Gateway keeps one durable key per field and an in-memory mirror that is
// consulted first. Reads never fail: a backend error or an undecodable value
// is logged and treated as absent.
package store

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"depthnotes/gate/internal/logging"
)

const (
	KeyTracking             = "dn_tracking_payload"
	KeyNavigation           = "dn_navigation_payload"
	KeyEndpoint             = "dn_endpoint_target"
	KeyMode                 = "dn_mode_active"
	KeyFirstLaunch          = "dn_first_launch_flag"
	KeyNotifApproved        = "dn_notif_approved"
	KeyNotifRejected        = "dn_notif_rejected"
	KeyNotifDate            = "dn_notif_date"
	KeyAttributionCompleted = "dn_attribution_completed"
	KeyStagedURL            = "dn_staged_url"
	KeyPushToken            = "dn_push_token"
	KeyDeviceID             = "dn_device_id"
)

const DefaultStagedTTL = 10 * time.Minute

// NotificationRecord is the persisted outcome of the last permission prompt.
type NotificationRecord struct {
	Approved    bool
	Rejected    bool
	LastRequest time.Time
}

// Snapshot is everything Load reads back. Empty strings and nil maps mean
// absent.
type Snapshot struct {
	Endpoint      string
	Mode          string
	FirstLaunch   bool
	Tracking      map[string]string
	Navigation    map[string]string
	Notifications NotificationRecord
}

type Options struct {
	// Cache is the secondary namespace, consulted for the endpoint only.
	Cache     KV
	StagedTTL time.Duration
	Logger    *slog.Logger
}

type Gateway struct {
	shared    KV
	cache     KV
	stagedTTL time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	mirror map[string]string
}

func NewGateway(shared KV, opts Options) *Gateway {
	ttl := opts.StagedTTL
	if ttl <= 0 {
		ttl = DefaultStagedTTL
	}
	return &Gateway{
		shared:    shared,
		cache:     opts.Cache,
		stagedTTL: ttl,
		logger:    logging.OrDefault(opts.Logger).With("component", "store"),
		mirror:    make(map[string]string),
	}
}

// Load reads the persisted snapshot. A fresh install yields FirstLaunch=true
// and nothing else.
func (g *Gateway) Load(ctx context.Context) Snapshot {
	snap := Snapshot{
		Endpoint:    g.loadEndpoint(ctx),
		FirstLaunch: true,
	}

	if mode, ok := g.read(ctx, KeyMode); ok {
		snap.Mode = mode
	}
	if flag, ok := g.read(ctx, KeyFirstLaunch); ok {
		snap.FirstLaunch = parseBool(flag, true)
	}

	if raw, ok := g.read(ctx, KeyTracking); ok {
		if tracking, ok := decodeMap(raw); ok {
			snap.Tracking = tracking
		} else {
			g.logger.Warn("discarding undecodable tracking payload")
		}
	}
	if raw, ok := g.read(ctx, KeyNavigation); ok {
		if plain, ok := deobfuscate(raw); ok {
			if navigation, ok := decodeMap(plain); ok {
				snap.Navigation = navigation
			}
		}
		if snap.Navigation == nil {
			g.logger.Warn("discarding undecodable navigation payload")
		}
	}

	snap.Notifications = g.loadNotifications(ctx)
	return snap
}

func (g *Gateway) loadEndpoint(ctx context.Context) string {
	if value, ok := g.read(ctx, KeyEndpoint); ok && value != "" {
		return value
	}
	if g.cache == nil {
		return ""
	}
	value, ok, err := g.cache.Get(ctx, KeyEndpoint)
	if err != nil {
		g.logger.Warn("cache read failed", "key", KeyEndpoint, "err", err)
		return ""
	}
	if !ok || value == "" {
		return ""
	}
	g.remember(KeyEndpoint, value)
	return value
}

func (g *Gateway) loadNotifications(ctx context.Context) NotificationRecord {
	var rec NotificationRecord
	if v, ok := g.read(ctx, KeyNotifApproved); ok {
		rec.Approved = parseBool(v, false)
	}
	if v, ok := g.read(ctx, KeyNotifRejected); ok {
		rec.Rejected = parseBool(v, false)
	}
	if v, ok := g.read(ctx, KeyNotifDate); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			rec.LastRequest = time.UnixMilli(ms)
		}
	}
	return rec
}

func (g *Gateway) SaveTracking(ctx context.Context, tracking map[string]string) {
	raw, err := encodeMap(tracking)
	if err != nil {
		g.logger.Warn("encode tracking", "err", err)
		return
	}
	g.write(ctx, KeyTracking, raw)
}

func (g *Gateway) SaveNavigation(ctx context.Context, navigation map[string]string) {
	raw, err := encodeMap(navigation)
	if err != nil {
		g.logger.Warn("encode navigation", "err", err)
		return
	}
	g.write(ctx, KeyNavigation, obfuscate(raw))
}

// SaveEndpoint records the endpoint once. Later calls with a different URL
// are ignored at every layer.
func (g *Gateway) SaveEndpoint(ctx context.Context, endpoint string) {
	if endpoint == "" {
		return
	}

	g.mu.Lock()
	if _, exists := g.mirror[KeyEndpoint]; !exists {
		g.mirror[KeyEndpoint] = endpoint
	}
	g.mu.Unlock()

	if set, err := g.shared.SetNX(ctx, KeyEndpoint, endpoint); err != nil {
		g.logger.Warn("persist endpoint failed", "err", err)
	} else if !set {
		g.logger.Debug("endpoint already persisted")
	}
	if g.cache != nil {
		if _, err := g.cache.SetNX(ctx, KeyEndpoint, endpoint); err != nil {
			g.logger.Warn("cache endpoint failed", "err", err)
		}
	}
}

func (g *Gateway) SaveMode(ctx context.Context, mode string) {
	g.write(ctx, KeyMode, mode)
}

func (g *Gateway) MarkFirstLaunchDone(ctx context.Context) {
	g.write(ctx, KeyFirstLaunch, "false")
}

func (g *Gateway) SaveNotifications(ctx context.Context, rec NotificationRecord) {
	g.write(ctx, KeyNotifApproved, strconv.FormatBool(rec.Approved))
	g.write(ctx, KeyNotifRejected, strconv.FormatBool(rec.Rejected))
	if !rec.LastRequest.IsZero() {
		g.write(ctx, KeyNotifDate, strconv.FormatInt(rec.LastRequest.UnixMilli(), 10))
	}
}

// AttributionCompleted reports whether a navigation-bearing merge has already
// been delivered on this install.
func (g *Gateway) AttributionCompleted(ctx context.Context) bool {
	v, ok := g.read(ctx, KeyAttributionCompleted)
	return ok && parseBool(v, false)
}

func (g *Gateway) MarkAttributionCompleted(ctx context.Context) {
	g.write(ctx, KeyAttributionCompleted, "true")
}

// StageEndpoint keeps a push-delivered URL until the gate is ready for it.
func (g *Gateway) StageEndpoint(ctx context.Context, url string) {
	if url == "" {
		return
	}
	if err := g.shared.Set(ctx, KeyStagedURL, url, g.stagedTTL); err != nil {
		g.logger.Warn("stage endpoint failed", "err", err)
	}
}

// TakeStagedEndpoint returns and removes the staged URL.
func (g *Gateway) TakeStagedEndpoint(ctx context.Context) (string, bool) {
	url, ok, err := g.shared.GetDel(ctx, KeyStagedURL)
	if err != nil {
		g.logger.Warn("read staged endpoint failed", "err", err)
		return "", false
	}
	return url, ok && url != ""
}

// DeviceID returns the install's identifier, generating it on first use.
func (g *Gateway) DeviceID(ctx context.Context) string {
	if id, ok := g.read(ctx, KeyDeviceID); ok && id != "" {
		return id
	}

	id := uuid.NewString()
	set, err := g.shared.SetNX(ctx, KeyDeviceID, id)
	if err != nil {
		g.logger.Warn("persist device id failed", "err", err)
	} else if !set {
		// Another writer won; use its value.
		if existing, ok, err := g.shared.Get(ctx, KeyDeviceID); err == nil && ok && existing != "" {
			id = existing
		}
	}
	g.remember(KeyDeviceID, id)
	return id
}

func (g *Gateway) SavePushToken(ctx context.Context, token string) {
	g.write(ctx, KeyPushToken, token)
}

func (g *Gateway) PushToken(ctx context.Context) string {
	token, _ := g.read(ctx, KeyPushToken)
	return token
}

// Ping checks the shared backend.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.shared.Ping(ctx)
}

func (g *Gateway) read(ctx context.Context, key string) (string, bool) {
	g.mu.RLock()
	value, ok := g.mirror[key]
	g.mu.RUnlock()
	if ok {
		return value, true
	}

	value, ok, err := g.shared.Get(ctx, key)
	if err != nil {
		g.logger.Warn("store read failed", "key", key, "err", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	g.remember(key, value)
	return value, true
}

func (g *Gateway) write(ctx context.Context, key, value string) {
	g.remember(key, value)
	if err := g.shared.Set(ctx, key, value, 0); err != nil {
		g.logger.Warn("store write failed", "key", key, "err", err)
	}
}

func (g *Gateway) remember(key, value string) {
	g.mu.Lock()
	g.mirror[key] = value
	g.mu.Unlock()
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
