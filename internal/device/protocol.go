package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"homeautomation-gateway/internal/config"
)

// maxLineLength bounds a single reply line from the board.
const maxLineLength = 1024

// request is one line sent to the board.
type request struct {
	Get   string       `json:"get,omitempty"`
	Set   string       `json:"set,omitempty"`
	Index *int         `json:"i,omitempty"`
	Value *int         `json:"v,omitempty"`
	Auth  *credentials `json:"auth,omitempty"`
}

type credentials struct {
	Serial   int    `json:"serial"`
	Password string `json:"password"`
}

// reply is one line received from the board.
type reply struct {
	OK       bool   `json:"ok,omitempty"`
	Attached *bool  `json:"attached,omitempty"`
	Serial   int    `json:"serial,omitempty"`
	Value    *int   `json:"v,omitempty"`
	Error    string `json:"error,omitempty"`
}

func intp(v int) *int { return &v }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r request) String() string {
	if r.Auth != nil {
		return `{"auth":...}`
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%+v", struct{ Get, Set string }{r.Get, r.Set})
	}
	return string(b)
}

// setupRequests lists the settings applied right after the board attaches.
func setupRequests(cfg config.DeviceConfig) []request {
	reqs := []request{{Set: "ratiometric", Value: intp(boolInt(cfg.RatiometricEnabled()))}}
	for _, in := range cfg.Inputs {
		if in.ChangeTrigger > 0 {
			reqs = append(reqs, request{Set: "trigger", Index: intp(in.Index), Value: intp(in.ChangeTrigger)})
		}
		if in.DataRateMS > 0 {
			reqs = append(reqs, request{Set: "rate", Index: intp(in.Index), Value: intp(in.DataRateMS)})
		}
	}
	return reqs
}

// RemoteError is a failure reported by the board itself. The link stays up.
type RemoteError struct {
	Request string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("board rejected %s: %s", e.Request, e.Message)
}

// linkError marks a transport failure. The stream can no longer be trusted.
type linkError struct {
	op  string
	err error
}

func (e *linkError) Error() string { return e.op + ": " + e.err.Error() }
func (e *linkError) Unwrap() error { return e.err }

func isLinkError(err error) bool {
	var le *linkError
	return errors.As(err, &le)
}

// exchange writes req and reads exactly one reply line.
func exchange(p Port, req request, timeout time.Duration) (reply, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return reply{}, fmt.Errorf("encode %s: %w", req, err)
	}
	if _, err := p.Write(append(line, '\n')); err != nil {
		return reply{}, &linkError{op: "write", err: err}
	}

	resp, err := readLine(p, timeout)
	if err != nil {
		return reply{}, &linkError{op: "read", err: err}
	}

	var rep reply
	if err := json.Unmarshal(resp, &rep); err != nil {
		return reply{}, fmt.Errorf("decode reply %q: %w", resp, err)
	}
	if rep.Error != "" {
		return rep, &RemoteError{Request: req.String(), Message: rep.Error}
	}
	return rep, nil
}

// readLine reads byte by byte until a newline, so nothing past the reply is consumed.
func readLine(p Port, timeout time.Duration) ([]byte, error) {
	if err := p.SetReadTimeout(timeout); err != nil {
		return nil, err
	}
	var result []byte
	buf := make([]byte, 1)
	start := time.Now()

	for {
		if time.Since(start) > timeout {
			return nil, ErrTimeout
		}
		n, err := p.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, err
		}
		if n == 0 {
			continue
		}
		switch b := buf[0]; b {
		case '\n':
			return result, nil
		case '\r':
		default:
			if len(result) >= maxLineLength {
				return nil, fmt.Errorf("reply exceeds %d bytes", maxLineLength)
			}
			result = append(result, b)
		}
	}
}

// drainInput discards unsolicited bytes waiting on the port.
func drainInput(p Port) {
	p.SetReadTimeout(100 * time.Millisecond)
	buf := make([]byte, 1024)
	for {
		n, err := p.Read(buf)
		if err != nil || n < len(buf) {
			return
		}
	}
}
