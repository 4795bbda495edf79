package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ControlClient is a thin client for the daemon's control socket. One
// client holds one connection; requests are serialized by the caller.
type ControlClient struct {
	conn net.Conn
	r    *bufio.Reader
	enc  *json.Encoder
}

// Dial connects to a session daemon's control socket.
func Dial(socketPath string) (*ControlClient, error) {
	conn, err := net.DialTimeout("unix", socketPath, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &ControlClient{
		conn: conn,
		r:    bufio.NewReader(conn),
		enc:  json.NewEncoder(conn),
	}, nil
}

// Call sends one request and decodes the reply's data into out, which may
// be nil for ops that return no payload.
func (c *ControlClient) Call(req Request, out any) error {
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s: %w", req.Op, err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read %s reply: %w", req.Op, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", req.Op, err)
	}
	if !resp.OK {
		if resp.Error == "" {
			return errors.New("daemon refused request")
		}
		return errors.New(resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", req.Op, err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}
