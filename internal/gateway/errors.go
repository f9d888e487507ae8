package gateway

import "errors"

// Code identifies a request failure kind. Codes are stable strings.
type Code string

func (c Code) Error() string { return string(c) }

const (
	DeviceUnreachable   Code = "device_unreachable"
	QueryTooLong        Code = "query_too_long"
	UnknownCommand      Code = "unknown_command"
	ChannelReadFailure  Code = "channel_read_failure"
	ChannelWriteFailure Code = "channel_write_failure"
)

// Reply bodies sent to the browser.
const (
	ReplyNotAvailable = "Not Available."
	ReplyError        = "Error"
	ReplyUnknownQuery = "Unknown Query"
)

// E carries a Code together with the operation and underlying cause.
type E struct {
	C   Code
	Op  string
	Err error
}

func (e *E) Error() string {
	msg := e.Op + ": " + string(e.C)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *E) Unwrap() error { return e.Err }

func (e *E) Code() Code { return e.C }

// Is lets errors.Is(err, SomeCode) match a wrapped E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Of returns the Code carried by err, or "" when err carries none.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ""
}
