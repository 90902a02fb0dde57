package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUnsuccessful marks a response whose envelope carried success=false.
var ErrUnsuccessful = errors.New("backend: request unsuccessful")

// Error describes a failed backend call. Callers treat it as recoverable: the server state was not
// changed by the call that produced it.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("backend: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "" && e.Code != "":
		fmt.Fprintf(&b, "%s (%s)", e.Message, e.Code)
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	case e.StatusCode != 0:
		fmt.Fprintf(&b, "status %d", e.StatusCode)
	default:
		b.WriteString("request failed")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether repeating the call could succeed: transport failures, throttling and
// 5xx responses. A success=false envelope is an application answer and is not retried.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if errors.Is(e.Err, ErrUnsuccessful) {
		return false
	}
	switch {
	case e.StatusCode == 0:
		return e.Err != nil
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.StatusCode == http.StatusNotFound
}

func unsuccessful(op string, status int, message string) *Error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "request was not successful"
	}
	return &Error{Op: op, StatusCode: status, Message: message, Err: ErrUnsuccessful}
}

func errorFromResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	type errorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	out := &Error{Op: op, StatusCode: resp.StatusCode}
	var payload errorPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err == nil {
			out.Code = strings.TrimSpace(payload.Code)
			out.Message = strings.TrimSpace(firstNonEmpty(payload.Message, payload.Error))
		}
		if out.Message == "" {
			out.Message = strings.TrimSpace(string(body))
		}
	}
	if out.Message == "" {
		out.Message = http.StatusText(resp.StatusCode)
	}
	return out
}
