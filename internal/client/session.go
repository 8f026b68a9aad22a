package client

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/phooq/smolvm/internal/protocol"
)

// Session is the typed handle for a borrowed connection, distinguishing
// "in-session" from "idle": only Stdin/Resize/receive-frame operations are
// legal on it, and the underlying Client refuses ordinary calls until the
// session ends.
type Session struct {
	cl *Client
}

// StreamFrame is one frame received during an interactive session: either
// a Stdout/Stderr chunk or the terminal Exited/Error frame.
type StreamFrame struct {
	Status   protocol.Status
	Data     []byte // for Stdout/Stderr
	ExitCode int    // for Exited
	Message  string // for Error
	Code     string
}

// startSession issues a Run/Exec/VmExec with Interactive: true and blocks
// for the Started acknowledgement, returning a Session for the caller to
// drive until Exited.
func (cl *Client) startSession(method protocol.Method, params map[string]any) (*Session, error) {
	if cl.inSession {
		return nil, fmt.Errorf("client: connection already borrowed by a session")
	}

	if err := cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return nil, err
	}
	if err := cl.c.WriteFrame(protocol.Request{Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("client: send %s: %w", method, err)
	}

	if err := cl.conn.SetReadDeadline(time.Now().Add(interactiveTimeout)); err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := cl.c.ReadFrame(&resp); err != nil {
		return nil, fmt.Errorf("client: recv %s started frame: %w", method, err)
	}
	if resp.Status == protocol.StatusError {
		return nil, fmt.Errorf("client: %s failed to start: %s", method, resp.Message)
	}
	if resp.Status != protocol.StatusStarted {
		return nil, fmt.Errorf("client: expected Started, got %q", resp.Status)
	}

	cl.inSession = true
	return &Session{cl: cl}, nil
}

// RunInteractive starts an interactive Run and returns a Session.
func (cl *Client) RunInteractive(req RunRequest) (*Session, error) {
	req.Interactive = true
	return cl.startSession(protocol.MethodRun, req.params(map[string]any{"image": req.Image, "mounts": req.Mounts}))
}

// ExecInteractive starts an interactive Exec and returns a Session.
func (cl *Client) ExecInteractive(req RunRequest) (*Session, error) {
	req.Interactive = true
	return cl.startSession(protocol.MethodExec, req.params(map[string]any{"container_id": req.ContainerID}))
}

// Stdin forwards data to the subject process's standard input. Only legal
// between Started and Exited; any other time the agent responds
// INVALID_REQUEST.
func (s *Session) Stdin(data []byte) error {
	return s.cl.c.WriteFrame(protocol.Request{
		Method: protocol.MethodStdin,
		Params: map[string]any{"data": data},
	})
}

// Resize notifies the agent of a terminal size change. Only meaningful
// when the session was started with tty: true.
func (s *Session) Resize(cols, rows int) error {
	return s.cl.c.WriteFrame(protocol.Request{
		Method: protocol.MethodResize,
		Params: map[string]any{"cols": cols, "rows": rows},
	})
}

// Recv reads the next stream frame: Stdout, Stderr, or the terminal
// Exited/Error. After Exited or Error, the session is over and the
// underlying Client is usable for ordinary calls again.
func (s *Session) Recv() (*StreamFrame, error) {
	if err := s.cl.conn.SetReadDeadline(time.Now().Add(interactiveTimeout)); err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := s.cl.c.ReadFrame(&resp); err != nil {
		return nil, fmt.Errorf("client: recv stream frame: %w", err)
	}

	frame := &StreamFrame{Status: resp.Status, Message: resp.Message, Code: resp.Code}
	switch resp.Status {
	case protocol.StatusStdout, protocol.StatusStderr:
		if raw, ok := resp.Data["data"].(string); ok {
			if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
				frame.Data = decoded
			} else {
				frame.Data = []byte(raw)
			}
		}
	case protocol.StatusExited:
		frame.ExitCode = int(int64FromAny(resp.Data["exit_code"]))
		s.cl.inSession = false
	case protocol.StatusError:
		s.cl.inSession = false
	}
	return frame, nil
}
