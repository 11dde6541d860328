package app

import (
	"errors"
	"fmt"
	"net/http"

	"decisionledger/internal/ledger"
	"decisionledger/internal/search"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var ledgerErr *ledger.Error
	if errors.As(err, &ledgerErr) {
		var details any
		if len(ledgerErr.Details) > 0 {
			details = ledgerErr.Details
		}
		switch ledgerErr.Kind {
		case ledger.KindNotFound:
			return http.StatusNotFound, ledgerErr.Code, ledgerErr.Message, details
		case ledger.KindInvalidOperation:
			return http.StatusUnprocessableEntity, ledgerErr.Code, ledgerErr.Message, details
		case ledger.KindConcurrency:
			return http.StatusConflict, ledgerErr.Code, ledgerErr.Message, details
		}
	}
	if errors.Is(err, search.ErrInvalidStatus) {
		return http.StatusUnprocessableEntity, "invalid_status", "unknown decision status", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
