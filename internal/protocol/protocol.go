// Package protocol implements the line-framed DUT wire protocol: request
// parsing, response records, and the frozen error taxonomy shared by the
// simulator, the runner, and the analytics pipeline.
package protocol

import (
	"encoding/json"
	"strings"
)

// Error taxonomy. The codes below are frozen: analytics and reports key on
// them, so they must never be renamed.
const (
	ErrUnknownCmd = "E_UNKNOWN_CMD"
	ErrBadArgs    = "E_BAD_ARGS"
	ErrTimeout    = "E_TIMEOUT"
	ErrInternal   = "E_INTERNAL"
	ErrOutOfRange = "E_OUT_OF_RANGE"
	ErrBusy       = "E_BUSY"

	// Runner-synthesised codes. Never produced by the server.
	ErrLimitFail = "LIMIT_FAIL"
	ErrBadResp   = "E_BAD_RESP"
	ErrClient    = "E_CLIENT"
)

// Command names accepted by the DUT server.
const (
	CmdPing            = "PING"
	CmdReadTemp        = "READ_TEMP"
	CmdSelfTest        = "SELF_TEST"
	CmdSetTemp         = "SET_TEMP"
	CmdSetFaultProfile = "SET_FAULT_PROFILE"
)

// ParseCommand splits a newline-framed request line into an uppercase
// command token and its arguments. An empty or whitespace-only line yields
// an empty command.
func ParseCommand(line string) (cmd string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}

// Response is the one-JSON-object-per-line reply record.
// Invariant: OK implies ErrorCode == nil; on error Data is empty.
type Response struct {
	OK        bool           `json:"ok"`
	ErrorCode *string        `json:"error_code"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	Meta      *Meta          `json:"meta,omitempty"`
}

// Meta carries response metadata, currently just the echoed command.
type Meta struct {
	Cmd string `json:"cmd"`
}

// OK builds a success response for cmd wrapping data.
func OK(data map[string]any, cmd string) Response {
	if data == nil {
		data = map[string]any{}
	}
	return Response{OK: true, Message: "OK", Data: data, Meta: metaFor(cmd)}
}

// Err builds an error response with a taxonomy code.
func Err(code, message, cmd string) Response {
	return Response{
		OK:        false,
		ErrorCode: &code,
		Message:   message,
		Data:      map[string]any{},
		Meta:      metaFor(cmd),
	}
}

func metaFor(cmd string) *Meta {
	if cmd == "" {
		return nil
	}
	return &Meta{Cmd: cmd}
}

// Encode serialises a response to its wire form, one JSON object followed
// by a newline.
func Encode(r Response) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses a single response line.
func Decode(line []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(line, &r); err != nil {
		return Response{}, err
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	return r, nil
}

// Code returns the response error code, or "" for success responses.
func (r Response) Code() string {
	if r.ErrorCode == nil {
		return ""
	}
	return *r.ErrorCode
}
