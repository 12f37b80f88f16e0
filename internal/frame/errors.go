package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a stream failure.
type Kind int

const (
	// KindUnknown is a malformed frame or an unrecognised payload. Retried
	// like a server error.
	KindUnknown Kind = iota
	// KindClient is an HTTP 4xx or an application error typed "invalid".
	KindClient
	// KindServer is an HTTP 5xx, a network failure or a generic application
	// error. Always preceded by an endpoint health wait before retry.
	KindServer
	// KindAuth is an application error tagged as an authentication failure.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindAuth:
		return "auth"
	}
	return "unknown"
}

// Application error types with special handling.
const (
	TypeAuth    = "auth"
	TypeInvalid = "invalid"
)

// ErrorDescription is the application error shape {type, msg}.
type ErrorDescription struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// Error is a classified stream failure.
type Error struct {
	Kind   Kind
	Type   string // application error type, empty if none was parsed
	Msg    string
	Status int // HTTP status, 0 if none
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Type != "":
		return fmt.Sprintf("%s error (%s): %s", e.Kind, e.Type, e.Msg)
	case e.Status != 0:
		return fmt.Sprintf("%s error: http %d", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Communication reports whether the failure carried a recognised
// application error shape. Only such failures make a stream splittable.
func (e *Error) Communication() bool {
	return e != nil && e.Type != ""
}

// Retryable reports whether the failure may be retried within the retry
// budget. Only bare client errors, a 4xx without an application error
// body, are final right away.
func (e *Error) Retryable() bool {
	return e == nil || e.Kind != KindClient || e.Communication()
}

// Description returns the {type, msg} view sent to tabs.
func (e *Error) Description() ErrorDescription {
	t := e.Type
	if t == "" {
		t = e.Kind.String()
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Error()
	}
	return ErrorDescription{Type: t, Msg: msg}
}

// FromDescription classifies an application error.
func FromDescription(d ErrorDescription) *Error {
	kind := KindServer
	switch d.Type {
	case TypeAuth:
		kind = KindAuth
	case TypeInvalid:
		kind = KindClient
	}
	return &Error{Kind: kind, Type: d.Type, Msg: d.Msg}
}

// FromStatus classifies an HTTP error response. A body carrying an
// application error refines the classification.
func FromStatus(status int, body []byte) *Error {
	if d, ok := parseErrorDescription(body); ok {
		e := FromDescription(d)
		e.Status = status
		if e.Kind == KindServer && status >= 400 && status < 500 {
			e.Kind = KindClient
		}
		return e
	}

	kind := KindUnknown
	switch {
	case status >= 400 && status < 500:
		kind = KindClient
	case status >= 500:
		kind = KindServer
	}
	return &Error{Kind: kind, Status: status, Msg: http.StatusText(status)}
}

// Classify turns any error into an *Error. Errors that are already
// classified pass through, everything else counts as a network failure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindServer, Err: err, Msg: err.Error()}
}

// parseErrorDescription recognises {type, msg} and {error: {type, msg}}.
func parseErrorDescription(data []byte) (ErrorDescription, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return ErrorDescription{}, false
	}
	if inner, ok := obj["error"]; ok {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(inner, &wrapped); err == nil {
			if d, ok := descriptionOf(wrapped); ok {
				return d, true
			}
		}
	}
	return descriptionOf(obj)
}

func descriptionOf(obj map[string]json.RawMessage) (ErrorDescription, bool) {
	rawType, okType := obj["type"]
	rawMsg, okMsg := obj["msg"]
	if !okType || !okMsg {
		return ErrorDescription{}, false
	}
	var d ErrorDescription
	if json.Unmarshal(rawType, &d.Type) != nil || json.Unmarshal(rawMsg, &d.Msg) != nil {
		return ErrorDescription{}, false
	}
	return d, true
}
