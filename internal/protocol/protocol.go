// Package protocol defines the agent's wire format: one newline-terminated
// JSON request per connection, answered by one newline-terminated JSON
// response.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Action is the request discriminator carried in the "action" field.
type Action string

// Request actions. The spellings are part of the wire format.
const (
	ActionStartSession Action = "StartSession"
	ActionExecCommand  Action = "ExecCommand"
	ActionCloseSession Action = "CloseSession"
)

// MaxLineSize bounds a single request or response line.
const MaxLineSize = 10 * 1024 * 1024 // 10MB sanity limit

var (
	// ErrEmptyRequest is returned by ReadLine when the peer sent nothing usable.
	ErrEmptyRequest = errors.New("empty request")
	// ErrLineTooLong is returned by ReadLine when a line exceeds MaxLineSize.
	ErrLineTooLong = errors.New("line too long")
)

// Request is one of StartSession, ExecCommand or CloseSession.
type Request interface {
	Action() Action
	isRequest()
}

// StartSession asks for a new shell, optionally running as User.
type StartSession struct {
	User *string
}

// ExecCommand runs Command in an existing session.
type ExecCommand struct {
	SessionID string
	Command   string
	TimeoutMs uint64
}

// CloseSession terminates a session and forgets it.
type CloseSession struct {
	SessionID string
}

func (StartSession) Action() Action { return ActionStartSession }
func (ExecCommand) Action() Action  { return ActionExecCommand }
func (CloseSession) Action() Action { return ActionCloseSession }

func (StartSession) isRequest() {}
func (ExecCommand) isRequest()  {}
func (CloseSession) isRequest() {}

// wireRequest is the flat JSON shape shared by every action. Pointer fields
// let DecodeRequest tell a missing key from a zero value.
type wireRequest struct {
	Action    *Action `json:"action"`
	User      *string `json:"user,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
	Command   *string `json:"command,omitempty"`
	TimeoutMs *uint64 `json:"timeout_ms,omitempty"`
}

// DecodeRequest parses one JSON request document.
func DecodeRequest(data []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.Action == nil {
		return nil, errors.New("missing field `action`")
	}

	switch *w.Action {
	case ActionStartSession:
		return StartSession{User: w.User}, nil

	case ActionExecCommand:
		if w.SessionID == nil {
			return nil, missingField("session_id")
		}
		if w.Command == nil {
			return nil, missingField("command")
		}
		if w.TimeoutMs == nil {
			return nil, missingField("timeout_ms")
		}
		return ExecCommand{SessionID: *w.SessionID, Command: *w.Command, TimeoutMs: *w.TimeoutMs}, nil

	case ActionCloseSession:
		if w.SessionID == nil {
			return nil, missingField("session_id")
		}
		return CloseSession{SessionID: *w.SessionID}, nil

	default:
		return nil, fmt.Errorf("unknown action %q", string(*w.Action))
	}
}

func missingField(name string) error {
	return fmt.Errorf("missing field `%s`", name)
}

// EncodeRequest renders req as a single-line JSON document.
func EncodeRequest(req Request) ([]byte, error) {
	a := req.Action()
	w := wireRequest{Action: &a}
	switch r := req.(type) {
	case StartSession:
		w.User = r.User
	case ExecCommand:
		w.SessionID = &r.SessionID
		w.Command = &r.Command
		w.TimeoutMs = &r.TimeoutMs
	case CloseSession:
		w.SessionID = &r.SessionID
	default:
		return nil, fmt.Errorf("unsupported request type %T", req)
	}
	return json.Marshal(w)
}

// Response is the uniform reply envelope. Every key is always present on the
// wire; absent optionals encode as null. ExitCode is never set by the agent.
type Response struct {
	Success   bool    `json:"success"`
	SessionID *string `json:"session_id"`
	Output    string  `json:"output"`
	ExitCode  *int    `json:"exit_code"`
	Error     *string `json:"error"`
}

// OK builds a success response. An empty sessionID encodes as null.
func OK(sessionID, output string) Response {
	resp := Response{Success: true, Output: output}
	if sessionID != "" {
		resp.SessionID = &sessionID
	}
	return resp
}

// Fail builds a failure response carrying msg.
func Fail(msg string) Response {
	return Response{Error: &msg}
}

// Failf is Fail with formatting.
func Failf(format string, args ...any) Response {
	return Fail(fmt.Sprintf(format, args...))
}

// ErrorMessage returns the error text, or "" when there is none.
func (r Response) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// ID returns the session id, or "" when there is none.
func (r Response) ID() string {
	if r.SessionID == nil {
		return ""
	}
	return *r.SessionID
}

// DecodeResponse parses one JSON response document.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// ReadLine reads one newline-terminated line and returns it without the line
// terminator. A final line without a newline is accepted. A line that is
// blank after trimming yields ErrEmptyRequest.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
			break
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyRequest
		}
		return nil, err
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyRequest
	}
	return line, nil
}

// WriteRequest writes req followed by a newline.
func WriteRequest(w io.Writer, req Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return writeLine(w, data)
}

// WriteResponse writes resp followed by a newline.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeLine(w, data)
}

func writeLine(w io.Writer, data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
