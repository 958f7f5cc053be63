package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/vbp1/pgbackrest-go/internal/ioend"
	"github.com/vbp1/pgbackrest-go/internal/ssh"
)

// peer abstracts however a Client's process was started — a local
// os/exec child or an SSH-spawned remote one — far enough to give Client
// a uniform Wait/Close.
type peer interface {
	Wait() error
	Close() error
	PID() int
}

type execPeer struct{ cmd *exec.Cmd }

func (p *execPeer) Wait() error  { return p.cmd.Wait() }
func (p *execPeer) Close() error { return p.cmd.Process.Kill() }
func (p *execPeer) PID() int     { return p.cmd.Process.Pid }

type sshPeer struct{ session *ssh.PipedSession }

func (p *sshPeer) Wait() error  { return p.session.Wait() }
func (p *sshPeer) Close() error { return p.session.Close() }

// PID is unknowable for a remote process without asking it; callers
// correlate remote workers by connection instead.
func (p *sshPeer) PID() int { return 0 }

// Client is the master side of the protocol (spec.md §4.7): it owns a
// spawned worker's stdin/stdout and turns Go calls into line-JSON request/
// response round trips. One Client serializes its own calls (Call takes
// a lock) — ParallelExecutor gets concurrency by holding a pool of Clients,
// not by sharing one across goroutines.
type Client struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	lines  *ioend.LineReader
	peer   peer
	closed bool
}

// Spawn starts bin as a local child process (the teacher's
// internal/process.RunLogged spawns a logged one-shot; Client generalizes
// that to a long-lived, line-protocol-speaking child) and wires its
// stdin/stdout as the protocol pipe.
func Spawn(ctx context.Context, bin string, args ...string) (*Client, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("protocol: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("protocol: stdout pipe: %w", err)
	}
	slog.Debug("protocol spawn", "bin", bin, "args", args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("protocol: start %s: %w", bin, err)
	}
	return newClient(stdin, stdout, &execPeer{cmd: cmd}), nil
}

// SpawnSSH starts remoteCmd (normally this same binary re-invoked with a
// `--role=worker` style flag) on the far end of an already-dialed SSH
// connection, wiring its stdin/stdout as the protocol pipe — this is the
// "remote" storage backend's transport (spec.md §4.5 is explicit it tunnels
// the protocol over SSH rather than speaking literal SFTP).
func SpawnSSH(client *ssh.Client, remoteCmd string) (*Client, error) {
	session, err := client.StartPiped(remoteCmd)
	if err != nil {
		return nil, fmt.Errorf("protocol: ssh spawn: %w", err)
	}
	return newClient(session.Stdin, session.Stdout, &sshPeer{session: session}), nil
}

func newClient(stdin io.WriteCloser, stdout io.Reader, p peer) *Client {
	ep := ioend.NewReadEndpoint(stdout)
	_ = ep.Open()
	return &Client{
		stdin: stdin,
		lines: ioend.NewLineReader(ep, 16*1024*1024),
		peer:  p,
	}
}

// Call sends cmd with params and blocks for the matching response. The
// pipe is strictly request/response (no pipelining), matching the teacher
// spawn model where one child handles one request at a time.
func (c *Client) Call(cmd string, params ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("protocol: call on closed client")
	}
	req := Message{Cmd: cmd, Parameter: params}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode request: %w", err)
	}
	b = append(b, '\n')
	if _, err := c.stdin.Write(b); err != nil {
		return nil, fmt.Errorf("protocol: write request: %w", err)
	}
	line, err := c.lines.ReadLine(false)
	if err != nil {
		return nil, fmt.Errorf("protocol: read response: %w", err)
	}
	var resp Message
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("protocol: decode response: %w", err)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Out, nil
}

// Close asks the worker to exit, then waits for the process to terminate.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	b, _ := json.Marshal(Message{Cmd: cmdExit})
	b = append(b, '\n')
	_, _ = c.stdin.Write(b)
	_ = c.stdin.Close()

	if err := c.peer.Wait(); err != nil {
		slog.Debug("protocol client exit", "err", err)
	}
	return nil
}

// PID returns the worker's process id for log correlation, or 0 when
// the transport can't know it (SSH-spawned remotes).
func (c *Client) PID() int { return c.peer.PID() }

// Kill forcibly terminates the worker without the clean "exit" handshake.
// Safe to call after Close.
func (c *Client) Kill() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.peer.Close()
}
