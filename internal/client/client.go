// Package client implements the DUT wire client used by the test runner.
// Each call opens a fresh connection, sends one command line, and reads a
// single newline-terminated JSON response.
package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mtaplabs/mtap/internal/protocol"
)

// Result is the runner's view of one exchange. Transport failures are
// folded into the same shape as protocol errors so the retry loop treats
// them uniformly.
type Result struct {
	OK        bool
	ErrorCode string // empty when OK
	Message   string
	Data      map[string]any
	Raw       string // raw response line, empty on transport failure
}

// Client talks to one DUT server address.
type Client struct {
	addr    string
	timeout time.Duration
}

// New builds a client with a default per-exchange timeout covering both
// the dial and the response read.
func New(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

// Send performs one exchange with the default timeout.
func (c *Client) Send(ctx context.Context, cmd string, args ...string) Result {
	return c.SendTimeout(ctx, c.timeout, cmd, args...)
}

// SendTimeout performs one exchange with an explicit timeout. It never
// returns an error: dial and read deadline failures become E_TIMEOUT,
// unparseable payloads become E_BAD_RESP, and everything else E_CLIENT.
func (c *Client) SendTimeout(ctx context.Context, timeout time.Duration, cmd string, args ...string) Result {
	deadline := time.Now().Add(timeout)

	var d net.Dialer
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return transportFailure(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	line := cmd
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return transportFailure(err)
	}

	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return transportFailure(err)
	}
	if len(raw) == 0 {
		// Connection closed without a response line.
		return Result{ErrorCode: protocol.ErrBadResp, Message: "empty response"}
	}

	resp, err := protocol.Decode(raw)
	if err != nil {
		return Result{ErrorCode: protocol.ErrBadResp, Message: "unparseable response: " + err.Error(), Raw: strings.TrimRight(string(raw), "\n")}
	}

	r := Result{
		OK:      resp.OK,
		Message: resp.Message,
		Data:    resp.Data,
		Raw:     strings.TrimRight(string(raw), "\n"),
	}
	if !resp.OK {
		r.ErrorCode = resp.Code()
		if r.ErrorCode == "" {
			r.ErrorCode = protocol.ErrBadResp
		}
	}
	return r
}

func transportFailure(err error) Result {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Result{ErrorCode: protocol.ErrTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{ErrorCode: protocol.ErrTimeout, Message: err.Error()}
	}
	return Result{ErrorCode: protocol.ErrClient, Message: err.Error()}
}
