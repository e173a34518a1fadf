package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/obstack/obsync/oid"
)

// Memory is an in-memory Store. It implements the full capability contract,
// including gets that block until the object is sealed, and backs the daemon
// by default as well as the test suites. Production deployments front their
// own store behind the Store interface.
type Memory struct {
	mu      sync.Mutex
	objects map[oid.ID]*memObject
	sealed  chan struct{} // closed and replaced on every seal, broadcast to waiters
}

type memObject struct {
	meta     []byte
	data     []byte
	declared int64
	sealed   bool
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[oid.ID]*memObject),
		sealed:  make(chan struct{}),
	}
}

func (m *Memory) Create(ctx context.Context, id oid.ID, size int64, meta []byte) (WriteHandle, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid object size %d", size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; ok {
		return nil, errors.Wrapf(ErrAlreadyExists, "create %s", id)
	}
	obj := &memObject{
		meta:     bytes.Clone(meta),
		data:     make([]byte, 0, size),
		declared: size,
	}
	m.objects[id] = obj
	return &memHandle{store: m, id: id, obj: obj}, nil
}

func (m *Memory) Get(ctx context.Context, id oid.ID, timeout time.Duration) (*Object, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		m.mu.Lock()
		if obj, ok := m.objects[id]; ok && obj.sealed {
			m.mu.Unlock()
			return &Object{
				ID:   id,
				Meta: bytes.Clone(obj.meta),
				Size: int64(len(obj.data)),
				Data: io.NopCloser(bytes.NewReader(obj.data)),
			}, nil
		}
		notify := m.sealed
		m.mu.Unlock()

		if timeout <= 0 {
			return nil, errors.Wrapf(ErrNotFound, "get %s", id)
		}
		select {
		case <-notify:
		case <-expired:
			return nil, errors.Wrapf(ErrNotFound, "get %s timed out after %s", id, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) Delete(ctx context.Context, id oid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[id]; ok && obj.sealed {
		delete(m.objects, id)
	}
	return nil
}

func (m *Memory) Contains(ctx context.Context, id oid.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	return ok && obj.sealed, nil
}

// Len reports the number of sealed objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, obj := range m.objects {
		if obj.sealed {
			n++
		}
	}
	return n
}

type memHandle struct {
	store *Memory
	id    oid.ID
	obj   *memObject
}

func (h *memHandle) Write(p []byte) (int, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.obj.sealed {
		return 0, errors.Wrapf(ErrSealed, "write %s", h.id)
	}
	if int64(len(h.obj.data)+len(p)) > h.obj.declared {
		return 0, fmt.Errorf("write to %s exceeds declared size %d", h.id, h.obj.declared)
	}
	h.obj.data = append(h.obj.data, p...)
	return len(p), nil
}

func (h *memHandle) Seal() error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.obj.sealed {
		return errors.Wrapf(ErrSealed, "seal %s", h.id)
	}
	if int64(len(h.obj.data)) != h.obj.declared {
		return fmt.Errorf("seal %s: wrote %d of %d declared bytes", h.id, len(h.obj.data), h.obj.declared)
	}
	h.obj.sealed = true
	close(h.store.sealed)
	h.store.sealed = make(chan struct{})
	return nil
}

func (h *memHandle) Abort() error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.obj.sealed {
		return errors.Wrapf(ErrSealed, "abort %s", h.id)
	}
	delete(h.store.objects, h.id)
	return nil
}
