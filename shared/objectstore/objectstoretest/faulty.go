package objectstoretest

import (
	"context"
	"errors"
	"sync"

	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
)

// Op names a Store method for fault injection.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpStat   Op = "stat"
	OpList   Op = "list"
	OpDelete Op = "delete"
	OpExists Op = "exists"
)

// ErrInjected is the cause of every injected failure.
var ErrInjected = errors.New("injected failure")

type fault struct {
	op        Op
	key       string
	remaining int
	err       error
}

// Faulty wraps a Store and fails selected calls. It also counts calls per
// operation so tests can assert how much work was done.
type Faulty struct {
	objectstore.Store

	mu     sync.Mutex
	faults []*fault
	calls  map[Op]int
}

// NewFaulty wraps s.
func NewFaulty(s objectstore.Store) *Faulty {
	return &Faulty{Store: s, calls: make(map[Op]int)}
}

// FailTransient makes the next n calls of op on key fail with a transient
// error. An empty key matches every key; n < 0 fails forever.
func (f *Faulty) FailTransient(op Op, key string, n int) {
	f.Fail(op, key, n, objectstore.Transient(string(op), ErrInjected))
}

// Fail makes the next n calls of op on key return err.
func (f *Faulty) Fail(op Op, key string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, &fault{op: op, key: key, remaining: n, err: err})
}

// Calls returns how many times op was invoked.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes the call counters.
func (f *Faulty) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[Op]int)
}

func (f *Faulty) check(op Op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++
	for _, ft := range f.faults {
		if ft.op != op || (ft.key != "" && ft.key != key) || ft.remaining == 0 {
			continue
		}
		if ft.remaining > 0 {
			ft.remaining--
		}
		return ft.err
	}
	return nil
}

func (f *Faulty) Put(ctx context.Context, container, key string, data []byte, meta objectstore.Metadata) error {
	if err := f.check(OpPut, key); err != nil {
		return err
	}
	return f.Store.Put(ctx, container, key, data, meta)
}

func (f *Faulty) Get(ctx context.Context, container, key string) ([]byte, objectstore.ObjectInfo, error) {
	if err := f.check(OpGet, key); err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	return f.Store.Get(ctx, container, key)
}

func (f *Faulty) Stat(ctx context.Context, container, key string) (objectstore.ObjectInfo, error) {
	if err := f.check(OpStat, key); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	return f.Store.Stat(ctx, container, key)
}

func (f *Faulty) List(ctx context.Context, container, prefix, marker string, limit int) (objectstore.ListPage, error) {
	if err := f.check(OpList, prefix); err != nil {
		return objectstore.ListPage{}, err
	}
	return f.Store.List(ctx, container, prefix, marker, limit)
}

func (f *Faulty) Delete(ctx context.Context, container, key string) error {
	if err := f.check(OpDelete, key); err != nil {
		return err
	}
	return f.Store.Delete(ctx, container, key)
}

func (f *Faulty) Exists(ctx context.Context, container, key string) (bool, error) {
	if err := f.check(OpExists, key); err != nil {
		return false, err
	}
	return f.Store.Exists(ctx, container, key)
}

// EnsureContainer forwards to the wrapped store when it supports it.
func (f *Faulty) EnsureContainer(ctx context.Context, container string) error {
	if cc, ok := f.Store.(objectstore.ContainerCreator); ok {
		return cc.EnsureContainer(ctx, container)
	}
	return nil
}
