package app

import (
	"errors"
	"fmt"
	"net/http"

	"depthnotes/gate/internal/attribution"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func invalidBody(err error) *DomainError {
	if errors.Is(err, attribution.ErrNotObject) {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "payload must be a JSON object", nil)
	}
	return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
}
