package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vbp1/pgbackrest-go/internal/ioend"
)

// newLoopback returns the ends of two in-memory pipes, one per direction,
// for the tests to hand to a Client/Server pair, so the wire can be
// exercised without spawning a real process.
func newLoopback() (clientIn io.Reader, clientOut io.WriteCloser, serverIn io.Reader, serverOut io.WriteCloser) {
	toServer, fromClient := io.Pipe()
	toClient, fromServer := io.Pipe()
	return toClient, fromClient, toServer, fromServer
}

func TestClientServerRoundTrip(t *testing.T) {
	clientStdout, clientStdin, serverStdin, serverStdout := newLoopback()

	srv := NewServer(ioend.NewReadEndpoint(serverStdin), ioend.NewWriteEndpoint(serverStdout), "state-marker")
	srv.Register("echo", func(ctx *Context, params []any) (any, error) {
		if ctx.State.(string) != "state-marker" {
			return nil, fmt.Errorf("state not threaded through")
		}
		return params[0], nil
	})
	srv.Register("fail", func(ctx *Context, params []any) (any, error) {
		return nil, fmt.Errorf("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	cl := newClient(clientStdin, clientStdout, noopPeer{})
	defer cl.Close()

	out, err := cl.Call("echo", "hello")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "hello" {
		t.Fatalf("Call echo = %v, want hello", out)
	}

	if _, err := cl.Call("fail"); err == nil {
		t.Fatalf("expected an error from the fail handler")
	}

	if err := cl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-serveErrCh:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil after clean exit", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not observe the exit command in time")
	}
}

type noopPeer struct{}

func (noopPeer) Wait() error  { return nil }
func (noopPeer) Close() error { return nil }
func (noopPeer) PID() int     { return 0 }

func TestParallelExecutorDistributesAndCollects(t *testing.T) {
	const workers = 3
	const jobs = 10

	var clients []*Client
	var cleanups []func()
	for i := 0; i < workers; i++ {
		clientStdout, clientStdin, serverStdin, serverStdout := newLoopback()
		srv := NewServer(ioend.NewReadEndpoint(serverStdin), ioend.NewWriteEndpoint(serverStdout), nil)
		srv.Register("double", func(ctx *Context, params []any) (any, error) {
			n := params[0].(float64) // JSON numbers decode as float64
			return n * 2, nil
		})
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = srv.Serve(ctx) }()
		cl := newClient(clientStdin, clientStdout, noopPeer{})
		clients = append(clients, cl)
		cleanups = append(cleanups, cancel)
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
		for _, cancel := range cleanups {
			cancel()
		}
	}()

	next := 0
	gen := func() (any, bool) {
		if next >= jobs {
			return nil, false
		}
		j := next
		next++
		return j, true
	}

	exec := NewParallelExecutor(clients, "double", 1)
	results := exec.Run(context.Background(), gen)
	if len(results) != jobs {
		t.Fatalf("got %d results, want %d", len(results), jobs)
	}
	seen := make(map[int]bool)
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("job %v failed: %v", r.Job, r.Err)
		}
		job := r.Job.(int)
		if got := r.Out.(float64); got != float64(job*2) {
			t.Fatalf("job %d -> %v, want %d", job, got, job*2)
		}
		seen[job] = true
	}
	if len(seen) != jobs {
		t.Fatalf("some jobs were never dispatched: saw %d of %d", len(seen), jobs)
	}
}

func TestParallelExecutorRetriesFailedJob(t *testing.T) {
	const workers = 2

	// One handler per worker; the job "S3" fails exactly once across the
	// pool, then succeeds on its retry.
	var failMu sync.Mutex
	failedOnce := false

	var clients []*Client
	var cleanups []func()
	for i := 0; i < workers; i++ {
		clientStdout, clientStdin, serverStdin, serverStdout := newLoopback()
		srv := NewServer(ioend.NewReadEndpoint(serverStdin), ioend.NewWriteEndpoint(serverStdout), nil)
		srv.Register("fetch", func(ctx *Context, params []any) (any, error) {
			seg := params[0].(string)
			if seg == "S3" {
				failMu.Lock()
				first := !failedOnce
				failedOnce = true
				failMu.Unlock()
				if first {
					return nil, fmt.Errorf("transient failure on %s", seg)
				}
			}
			return seg, nil
		})
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = srv.Serve(ctx) }()
		cl := newClient(clientStdin, clientStdout, noopPeer{})
		clients = append(clients, cl)
		cleanups = append(cleanups, cancel)
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
		for _, cancel := range cleanups {
			cancel()
		}
	}()

	segments := []string{"S1", "S2", "S3", "S4", "S5"}
	next := 0
	gen := func() (any, bool) {
		if next >= len(segments) {
			return nil, false
		}
		s := segments[next]
		next++
		return s, true
	}

	exec := NewParallelExecutor(clients, "fetch", 1)
	exec.Interval = 10 * time.Millisecond
	results := exec.Run(context.Background(), gen)
	if len(results) != len(segments) {
		t.Fatalf("got %d results, want %d", len(results), len(segments))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("job %v failed: %v", r.Job, r.Err)
		}
		if r.Job.(string) == "S3" && r.Retried != 1 {
			t.Fatalf("S3 retried %d times, want 1", r.Retried)
		}
		if r.Job.(string) != "S3" && r.Retried != 0 {
			t.Fatalf("job %v retried %d times, want 0", r.Job, r.Retried)
		}
	}
}
