package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingTokenService = errors.New("discovery response missing authInfo.tokenServicesUrl")
	ErrMissingToken        = errors.New("token response missing token")
	ErrMissingItemID       = errors.New("upload response missing item.itemId")
	ErrMissingJobID        = errors.New("submit response missing jobId")
	ErrMissingJobStatus    = errors.New("status response missing jobStatus")
	ErrMissingResultURL    = errors.New("result descriptor missing value.url")
)

// Error is an error object reported by the service in a response body.
type Error struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
	// Raw holds the error payload exactly as received.
	Raw string `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("api error")
	if e.Code != 0 {
		fmt.Fprintf(&b, " %d", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Details, "; "))
	}
	if e.Message == "" && len(e.Details) == 0 {
		b.WriteString(": ")
		b.WriteString(e.Raw)
	}
	return b.String()
}

// HTTPError is returned for non-success HTTP statuses that carry no service
// error object.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return "http error " + e.Status
	}
	return fmt.Sprintf("http error %s: %s", e.Status, e.Body)
}

// errorFromBody returns the service error embedded in body, or nil when the
// body carries no (or a null) "error" field.
func errorFromBody(body []byte) *Error {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	raw := strings.TrimSpace(string(envelope.Error))
	if raw == "" || raw == "null" {
		return nil
	}

	apiErr := &Error{Raw: raw}
	if err := json.Unmarshal(envelope.Error, apiErr); err != nil {
		var message string
		if json.Unmarshal(envelope.Error, &message) == nil {
			apiErr.Message = message
		}
	}
	return apiErr
}
