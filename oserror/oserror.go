// Package oserror holds the typed errors that cross the HTTP surface.
// Every client-visible failure is `{"error":{"class","code","message"}}`
// with status 400, never mixed into a binary internode payload.
package oserror

import "encoding/json"

type Class string

const (
	ClassQuery     Class = "query"
	ClassParse     Class = "parse"
	ClassConfig    Class = "config"
	ClassInternode Class = "internode"
)

type Code string

const (
	CodeGeneralError       Code = "general_error"
	CodeSyntaxError        Code = "syntax_error"
	CodeGeneralConfigError Code = "general_config_error"
	CodeRouteError         Code = "route_error"
	CodeInternodeError     Code = "internode_error"
)

type Error struct {
	Class   Class  `json:"class"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func New(class Class, code Code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

func (e *Error) Error() string {
	return string(e.Class) + "/" + string(e.Code) + ": " + e.Message
}

type envelope struct {
	Error *Error `json:"error"`
}

// JSON renders the wire envelope.
func (e *Error) JSON() []byte {
	b, _ := json.Marshal(envelope{Error: e})
	return b
}

// FromJSON pulls an Error out of a reply body, returning nil when the body is
// not a well-formed error envelope.
func FromJSON(b []byte) *Error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil
	}
	if env.Error == nil || env.Error.Code == "" {
		return nil
	}
	return env.Error
}

// RouteError is the reply for any internode transport failure; the client is
// expected to re-issue the request.
func RouteError() *Error {
	return New(ClassConfig, CodeRouteError, "potential node failure - please re-issue the request")
}
