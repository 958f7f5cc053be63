package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vbp1/pgbackrest-go/internal/ioend"
)

// Context carries whatever subsystem handles a command handler needs
// (storage facades, stanza name, pgctl pool, ...) explicitly through the
// call rather than via package-level globals.
type Context struct {
	context.Context
	State any
}

// Handler processes one command's parameters and returns the value to
// encode into the response's Out field.
type Handler func(ctx *Context, params []any) (any, error)

// Server reads one Message per line from In, dispatches to a registered
// Handler, and writes one Message response per line to Out. It is the
// worker side of the master/worker split (spec.md §4.7) — one Server
// instance runs inside a spawned worker process.
type Server struct {
	handlers map[string]Handler
	rawIn    ioend.ReadEndpoint
	lines    *ioend.LineReader
	out      ioend.WriteEndpoint
	state    any
}

// NewServer wires a Server over in/out. state is whatever the registered
// Handlers need and is threaded through as Context.State on every call.
// Serve opens both endpoints itself.
func NewServer(in ioend.ReadEndpoint, out ioend.WriteEndpoint, state any) *Server {
	return &Server{
		handlers: make(map[string]Handler),
		rawIn:    in,
		lines:    ioend.NewLineReader(in, 16*1024*1024),
		out:      out,
		state:    state,
	}
}

// Register binds cmd to h. Registering "exit" is rejected; it is reserved.
func (s *Server) Register(cmd string, h Handler) {
	if cmd == cmdExit {
		panic("protocol: \"exit\" is a reserved command name")
	}
	s.handlers[cmd] = h
}

// Serve processes requests until the peer sends "exit", the input is
// closed, or ctx is done. It returns nil on a clean "exit"/EOF shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.rawIn.Open(); err != nil {
		return fmt.Errorf("protocol: open input: %w", err)
	}
	if err := s.out.Open(); err != nil {
		return fmt.Errorf("protocol: open output: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := s.lines.ReadLine(true)
		if errors.Is(err, io.EOF) {
			return nil // peer closed the pipe without an explicit exit
		}
		if err != nil {
			return fmt.Errorf("protocol: server read: %w", err)
		}
		var req Message
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return fmt.Errorf("protocol: decode request: %w", err)
		}
		if req.Cmd == cmdExit {
			return nil
		}
		resp := s.dispatch(ctx, req)
		if err := s.writeMessage(resp); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Message) Message {
	h, ok := s.handlers[req.Cmd]
	if !ok {
		return Message{Cmd: req.Cmd, Err: &ErrInfo{Code: 1, Message: fmt.Sprintf("protocol: unknown command %q", req.Cmd)}}
	}
	out, err := h(&Context{Context: ctx, State: s.state}, req.Parameter)
	if err != nil {
		slog.Debug("protocol handler error", "cmd", req.Cmd, "err", err)
		return Message{Cmd: req.Cmd, Err: &ErrInfo{Code: 1, Message: err.Error()}}
	}
	return Message{Cmd: req.Cmd, Out: out}
}

func (s *Server) writeMessage(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("protocol: encode response: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.out.Write(b); err != nil {
		return fmt.Errorf("protocol: write response: %w", err)
	}
	return s.out.Flush()
}
