package backend

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL    = errors.New("invalid url")
	ErrRequestFailed = errors.New("request failed")
	ErrDecode        = errors.New("decoding failed")
	ErrRateLimited   = errors.New("rate limited")
)

// RequestError carries the failing operation and HTTP status (0 for
// transport failures). Err is one of the sentinels above or a transport
// error.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func requestError(op string, status int, err error) *RequestError {
	return &RequestError{Op: op, Status: status, Err: err}
}
