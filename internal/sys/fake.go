package sys

import (
	"fmt"
	"sync"
)

// FakeBackend is a Backend that never touches the kernel; it hands out
// sequential descriptor numbers and optionally fails on command, so
// package rexload's tests can exercise rollback (spec.md §8 property 5 and
// scenario S5) without CAP_BPF or a rex-enabled kernel.
type FakeBackend struct {
	mu sync.Mutex

	nextFD int

	// FailBase/FailProg, if set, make the corresponding call fail
	// instead of succeeding, regardless of FailProgAfter below.
	FailBase error
	FailProg error

	// FailProgAfter fails the Nth LoadProg call (1-indexed) and every call
	// after it; 0 disables this behavior. Useful for simulating "first
	// program load fails".
	FailProgAfter int

	Bases []LoadBaseAttr
	Progs []LoadProgAttr

	progCalls int

	Closed []int
}

// NewFakeBackend returns a FakeBackend whose descriptors start at
// startFD, distinct from any real fd the test process holds.
func NewFakeBackend(startFD int) *FakeBackend {
	return &FakeBackend{nextFD: startFD}
}

func (f *FakeBackend) allocFD() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fd := f.nextFD
	f.nextFD++
	return fd
}

func (f *FakeBackend) LoadBase(attr *LoadBaseAttr) (int, error) {
	if f.FailBase != nil {
		return -1, f.FailBase
	}
	f.mu.Lock()
	f.Bases = append(f.Bases, *attr)
	f.mu.Unlock()
	return f.allocFD(), nil
}

func (f *FakeBackend) LoadProg(attr *LoadProgAttr) (int, error) {
	f.mu.Lock()
	f.progCalls++
	n := f.progCalls
	f.Progs = append(f.Progs, *attr)
	f.mu.Unlock()

	if f.FailProg != nil {
		return -1, f.FailProg
	}
	if f.FailProgAfter != 0 && n >= f.FailProgAfter {
		return -1, fmt.Errorf("fake: program load %d rejected", n)
	}
	return f.allocFD(), nil
}

// Close records fd as released without issuing any real syscall — the
// fake's descriptors are plain counters, not open kernel handles.
func (f *FakeBackend) Close(fd int) error {
	if fd < 0 {
		return nil
	}
	f.mu.Lock()
	f.Closed = append(f.Closed, fd)
	f.mu.Unlock()
	return nil
}
