package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/locus-chat/locus/internal/engine"
	"github.com/locus-chat/locus/internal/session"
	"github.com/locus-chat/locus/internal/status"
	"go.uber.org/zap"
)

// Request is one control command, newline-delimited JSON over the
// session's unix socket.
type Request struct {
	Op             string `json:"op"`
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Body           string `json:"body,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Active         bool   `json:"active,omitempty"`
}

// Response is the reply to one Request.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server serves control commands on the session's unix domain socket.
type Server struct {
	listener   net.Listener
	socketPath string
	engine     *engine.Engine
	machine    *status.Machine
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer binds the control server to the session's unix socket.
func NewServer(p Params, eng *engine.Engine, machine *status.Machine, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		engine:     eng,
		machine:    machine,
		logger:     logger,
	}, nil
}

// Start accepts control connections. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Stop closes the listener, waits for in-flight connections, and removes
// the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("control server stopping")
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Error: "malformed request"})
			return
		}
		data, err := s.handle(req)
		if err != nil {
			_ = enc.Encode(Response{Error: err.Error()})
			continue
		}
		raw, err := json.Marshal(data)
		if err != nil {
			_ = enc.Encode(Response{Error: "encode response"})
			continue
		}
		if err := enc.Encode(Response{OK: true, Data: raw}); err != nil {
			return
		}
	}
}

// StatusData is the payload for the status op.
type StatusData struct {
	State string `json:"state"`
}

// BadgeData is the payload for the badges op.
type BadgeData struct {
	Notifications int `json:"notifications"`
	Conversations int `json:"conversations"`
}

// SendData is the payload for the send op.
type SendData struct {
	ClientMsgID string `json:"client_msg_id"`
}

// ListData is the payload for the list op.
type ListData struct {
	OwnerID string `json:"owner_id"`
	Records any    `json:"records"`
}

func (s *Server) handle(req Request) (any, error) {
	ctx := context.Background()
	switch req.Op {
	case "ping":
		return map[string]bool{"pong": true}, nil
	case "status":
		return StatusData{State: string(s.machine.Current())}, nil
	case "badges":
		return BadgeData{
			Notifications: s.engine.UnreadNotificationCount(),
			Conversations: s.engine.UnreadConversationCount(),
		}, nil
	case "list":
		limit := req.Limit
		if limit <= 0 {
			limit = engine.DefaultLoadLimit
		}
		recs, owner := s.engine.ListForOwner(limit)
		return ListData{OwnerID: owner, Records: recs}, nil
	case "mark-read":
		if req.ID == "" {
			return nil, errors.New("mark-read: id required")
		}
		return nil, s.engine.MarkOne(ctx, req.ID)
	case "mark-all":
		return nil, s.engine.MarkAll(ctx)
	case "accept":
		if req.UserID == "" {
			return nil, errors.New("accept: user_id required")
		}
		return nil, s.engine.AcceptRequest(ctx, req.UserID)
	case "decline":
		if req.UserID == "" {
			return nil, errors.New("decline: user_id required")
		}
		return nil, s.engine.DeclineRequest(ctx, req.UserID)
	case "send":
		if req.ConversationID == "" || req.Body == "" {
			return nil, errors.New("send: conversation_id and body required")
		}
		id, err := s.engine.SendMessage(req.ConversationID, req.Body)
		if err != nil {
			return nil, err
		}
		return SendData{ClientMsgID: id}, nil
	case "typing":
		if req.ConversationID == "" {
			return nil, errors.New("typing: conversation_id required")
		}
		s.engine.SetTyping(req.ConversationID, req.Active)
		return nil, nil
	case "watch":
		if req.ConversationID == "" {
			return nil, errors.New("watch: conversation_id required")
		}
		return nil, s.engine.WatchConversation(req.ConversationID)
	case "unwatch":
		s.engine.UnwatchConversation()
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}
