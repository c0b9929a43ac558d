package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"

	"depthnotes/gate/internal/logging"
)

// FallbackUserAgent is sent when no browser is available.
const FallbackUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"

var ErrBrowserMissing = errors.New("chrome not installed")

type UserAgentProvider interface {
	UserAgent(ctx context.Context) string
}

type StaticUserAgent string

func (s StaticUserAgent) UserAgent(context.Context) string {
	if s == "" {
		return FallbackUserAgent
	}
	return string(s)
}

const probeTimeout = 30 * time.Second

// BrowserUserAgent asks a headless Chrome for its user agent once and
// caches the answer. The probe outlives the first caller's context so a
// cancelled request cannot pin the fallback.
type BrowserUserAgent struct {
	logger *slog.Logger
	probe  func(ctx context.Context) (string, error)

	once  sync.Once
	value string
}

func NewBrowserUserAgent(logger *slog.Logger) *BrowserUserAgent {
	return &BrowserUserAgent{
		logger: logging.OrDefault(logger).With("component", "useragent"),
		probe:  ProbeBrowserUserAgent,
	}
}

func (b *BrowserUserAgent) UserAgent(ctx context.Context) string {
	b.once.Do(func() {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()

		ua, err := b.probe(probeCtx)
		if err != nil {
			b.logger.Warn("browser user agent unavailable, using fallback", "err", err)
			b.value = FallbackUserAgent
			return
		}
		b.value = ua
	})
	return b.value
}

// ProbeBrowserUserAgent launches headless Chrome and reads the user agent
// it would send, minus the "Headless" marker.
func ProbeBrowserUserAgent(ctx context.Context) (string, error) {
	if !browserInstalled() {
		return "", ErrBrowserMissing
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var ua string
	err := chromedp.Run(taskCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		_, _, _, ua, _, err = browser.GetVersion().Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("read browser version: %w", err)
	}
	return cleanUserAgent(ua), nil
}

func cleanUserAgent(ua string) string {
	ua = strings.ReplaceAll(ua, "HeadlessChrome", "Chrome")
	ua = strings.ReplaceAll(ua, "Headless", "")
	return strings.Join(strings.Fields(ua), " ")
}

func browserInstalled() bool {
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "google-chrome-stable"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}
