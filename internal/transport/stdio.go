// Package transport carries MCP over stdio: newline-delimited JSON-RPC on
// stdin/stdout, one session for the life of the process.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/server"
	"github.com/sheetbridge/gateway/internal/session"
)

// maxLineBytes bounds one inbound message; large grids arrive well under
// this.
const maxLineBytes = 16 << 20

// Stdio runs the stdio transport loop.
type Stdio struct {
	core     *server.Core
	sessions *session.Manager
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger

	writeMu sync.Mutex
}

// NewStdio wires the loop. in/out default to the process streams in main.
func NewStdio(core *server.Core, sessions *session.Manager, in io.Reader, out io.Writer, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{core: core, sessions: sessions, in: in, out: out, logger: logger}
}

// Run reads messages until EOF or ctx cancellation. The single session is
// opened up front and closed on exit.
func (s *Stdio) Run(ctx context.Context) error {
	sess, err := s.sessions.Open("anonymous", session.TransportStdio)
	if err != nil {
		return fmt.Errorf("open stdio session: %w", err)
	}
	defer s.sessions.Close(sess.ID)
	s.logger.Info("stdio transport ready", "session_id", sess.ID)

	notify := func(msg *protocol.Request) { s.write(msg) }

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := protocol.ParseRequest(line)
		if err != nil {
			s.write(protocol.NewErrorResponse(nil, protocol.CodeParseError, err.Error(), nil))
			continue
		}

		trace := session.ParseTraceparent("")
		if resp := s.core.Handle(ctx, sess, trace, req, notify); resp != nil {
			s.write(resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin read: %w", err)
	}
	return nil
}

// write serializes one message to stdout. Notifications from in-flight
// handlers and responses share the stream, so writes are serialized.
func (s *Stdio) write(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("message serialization failed", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}
