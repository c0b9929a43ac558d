// Package validator decides whether remote configuration is enabled by
// reading a single remote record and checking that it holds a usable URL.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"depthnotes/gate/internal/logging"
)

const DefaultTimeout = 15 * time.Second

var ErrNoSource = errors.New("validator: no record source configured")

// RecordSource reads the remote record. found=false means the record does
// not exist.
type RecordSource interface {
	Name() string
	Read(ctx context.Context) (value string, found bool, err error)
}

type Validator struct {
	source  RecordSource
	timeout time.Duration
	logger  *slog.Logger
}

func New(source RecordSource, timeout time.Duration, logger *slog.Logger) *Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{
		source:  source,
		timeout: timeout,
		logger:  logging.OrDefault(logger).With("component", "validator"),
	}
}

// Validate makes one attempt. Any error, including a timeout, is returned
// together with false.
func (v *Validator) Validate(ctx context.Context) (bool, error) {
	if v.source == nil {
		return false, ErrNoSource
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	value, found, err := v.source.Read(ctx)
	if err != nil {
		v.logger.Warn("validation read failed", "source", v.source.Name(), "err", err)
		return false, fmt.Errorf("read %s record: %w", v.source.Name(), err)
	}
	if !found {
		v.logger.Info("validation record missing", "source", v.source.Name())
		return false, nil
	}

	ok := IsTargetURL(value)
	v.logger.Info("validation finished", "source", v.source.Name(), "enabled", ok)
	return ok, nil
}

// IsTargetURL reports whether s is a non-empty absolute URL with a host.
func IsTargetURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
