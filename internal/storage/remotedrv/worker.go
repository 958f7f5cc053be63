package remotedrv

import (
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/vbp1/pgbackrest-go/internal/ioend"
	"github.com/vbp1/pgbackrest-go/internal/protocol"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// Register wires backing into srv so that a peer process (normally this
// same binary re-invoked over SSH with a worker role, per spec.md §4.5)
// answers every storageXxx command a remotedrv.Driver sends. One Register
// call serves one backing Driver for the lifetime of the Server.
func Register(srv *protocol.Server, backing storage.Driver) {
	w := &worker{backing: backing, handles: make(map[string]*handle)}

	srv.Register(cmdFeatures, w.features)
	srv.Register(cmdInfo, w.info)
	srv.Register(cmdList, w.list)
	srv.Register(cmdPathCreate, w.pathCreate)
	srv.Register(cmdPathRemove, w.pathRemove)
	srv.Register(cmdRemove, w.remove)
	srv.Register(cmdMove, w.move)
	srv.Register(cmdOpenRead, w.openRead)
	srv.Register(cmdReadBlock, w.readBlock)
	srv.Register(cmdOpenWrite, w.openWrite)
	srv.Register(cmdWriteBlock, w.writeBlock)
	srv.Register(cmdCloseHandle, w.closeHandle)
}

// handle is either a read or a write endpoint kept open across multiple
// RPCs, keyed by an opaque id handed back to the client. It is distinct
// from internal/pack.TypePtr, which never crosses the wire at all
// (spec.md §9) — this id is a plain string naming a server-side resource,
// not a same-process memory handle.
type handle struct {
	read  ioend.ReadEndpoint
	write ioend.WriteEndpoint
}

type worker struct {
	backing storage.Driver

	mu      sync.Mutex
	handles map[string]*handle
	nextID  int64
}

func (w *worker) newHandleID() string {
	return strconv.FormatInt(atomic.AddInt64(&w.nextID, 1), 10)
}

func (w *worker) store(h *handle) string {
	id := w.newHandleID()
	w.mu.Lock()
	w.handles[id] = h
	w.mu.Unlock()
	return id
}

func (w *worker) get(id string) (*handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handles[id]
	if !ok {
		return nil, fmt.Errorf("remotedrv: unknown handle %q", id)
	}
	return h, nil
}

func (w *worker) drop(id string) {
	w.mu.Lock()
	delete(w.handles, id)
	w.mu.Unlock()
}

func argString(params []any, i int) string {
	if i >= len(params) || params[i] == nil {
		return ""
	}
	s, _ := params[i].(string)
	return s
}

func argBool(params []any, i int) bool {
	if i >= len(params) {
		return false
	}
	b, _ := params[i].(bool)
	return b
}

func argNumber(params []any, i int) float64 {
	if i >= len(params) {
		return 0
	}
	n, _ := params[i].(float64)
	return n
}

func (w *worker) features(ctx *protocol.Context, params []any) (any, error) {
	return uint32(w.backing.Features()), nil
}

func (w *worker) info(ctx *protocol.Context, params []any) (any, error) {
	path := argString(params, 0)
	level := storage.InfoLevel(int(argNumber(params, 1)))
	return w.backing.Info(ctx, path, level)
}

func (w *worker) list(ctx *protocol.Context, params []any) (any, error) {
	path := argString(params, 0)
	expr := argString(params, 1)
	level := storage.InfoLevel(int(argNumber(params, 2)))
	return w.backing.List(ctx, path, expr, level)
}

func (w *worker) pathCreate(ctx *protocol.Context, params []any) (any, error) {
	path := argString(params, 0)
	mode := uint32(argNumber(params, 1))
	noErrorIfExists := argBool(params, 2)
	recurse := argBool(params, 3)
	return nil, w.backing.PathCreate(ctx, path, mode, noErrorIfExists, recurse)
}

func (w *worker) pathRemove(ctx *protocol.Context, params []any) (any, error) {
	path := argString(params, 0)
	recurse := argBool(params, 1)
	return nil, w.backing.PathRemove(ctx, path, recurse)
}

func (w *worker) remove(ctx *protocol.Context, params []any) (any, error) {
	path := argString(params, 0)
	errorOnMissing := argBool(params, 1)
	return nil, w.backing.Remove(ctx, path, errorOnMissing)
}

func (w *worker) move(ctx *protocol.Context, params []any) (any, error) {
	src := argString(params, 0)
	dst := argString(params, 1)
	return nil, w.backing.Move(ctx, src, dst)
}

func (w *worker) openRead(ctx *protocol.Context, params []any) (any, error) {
	path := argString(params, 0)
	opts := storage.ReadOptions{
		Offset:        int64(argNumber(params, 1)),
		Limit:         int64(argNumber(params, 2)),
		IgnoreMissing: argBool(params, 3),
	}
	r, err := w.backing.NewRead(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	if err := r.Open(); err != nil {
		return nil, err
	}
	return w.store(&handle{read: r}), nil
}

func (w *worker) readBlock(ctx *protocol.Context, params []any) (any, error) {
	id := argString(params, 0)
	size := int(argNumber(params, 1))
	if size <= 0 {
		size = blockSize
	}
	h, err := w.get(id)
	if err != nil {
		return nil, err
	}
	if h.read == nil {
		return nil, fmt.Errorf("remotedrv: handle %q is not open for reading", id)
	}
	buf := make([]byte, size)
	n, err := h.read.Read(buf, true)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return map[string]any{
		"data": base64.StdEncoding.EncodeToString(buf[:n]),
		"eof":  h.read.EOF(),
	}, nil
}

func (w *worker) openWrite(ctx *protocol.Context, params []any) (any, error) {
	path := argString(params, 0)
	opts := storage.WriteOptions{
		Atomic:     true,
		CreatePath: argBool(params, 1),
		Mode:       uint32(argNumber(params, 2)),
	}
	wr, err := w.backing.NewWrite(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if err := wr.Open(); err != nil {
		return nil, err
	}
	return w.store(&handle{write: wr}), nil
}

func (w *worker) writeBlock(ctx *protocol.Context, params []any) (any, error) {
	id := argString(params, 0)
	data := argString(params, 1)
	h, err := w.get(id)
	if err != nil {
		return nil, err
	}
	if h.write == nil {
		return nil, fmt.Errorf("remotedrv: handle %q is not open for writing", id)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("remotedrv: decode write-block payload: %w", err)
	}
	_, err = h.write.Write(raw)
	return nil, err
}

func (w *worker) closeHandle(ctx *protocol.Context, params []any) (any, error) {
	id := argString(params, 0)
	h, err := w.get(id)
	if err != nil {
		return nil, err
	}
	w.drop(id)
	if h.read != nil {
		return nil, h.read.Close()
	}
	if h.write != nil {
		if err := h.write.Flush(); err != nil {
			_ = h.write.Close()
			return nil, err
		}
		return nil, h.write.Close()
	}
	return nil, nil
}
