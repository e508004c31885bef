package lyzr

import "fmt"

const (
	ReasonBuildRequest    = "build_request"
	ReasonNetwork         = "network"
	ReasonHTTPStatus      = "http_status"
	ReasonReadBody        = "read_body"
	ReasonMalformedBody   = "malformed_body"
	ReasonMissingResponse = "missing_response"
)

// TransportError is the single failure type of Client.Call. StatusCode is
// zero when no HTTP response was received.
type TransportError struct {
	Reason     string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	msg := "lyzr: " + e.Reason
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) HTTPStatusCode() int {
	return e.StatusCode
}
