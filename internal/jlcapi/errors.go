package jlcapi

import (
	"errors"
	"fmt"
)

// ErrSchema marks a single upstream record that failed to normalize.
// Callers skip and log these; they never abort a page.
var ErrSchema = errors.New("jlcapi: record does not match expected schema")

// APIError is a non-OK business code in the upstream response envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jlcapi: upstream code %d: %s", e.Code, e.Message)
}

// noDataCodes are envelope codes the upstream uses for "nothing here"
// responses. Retrying them does not help, so they map to an empty result.
var noDataCodes = map[int]bool{563: true, 564: true, 404: true, 429: true}
