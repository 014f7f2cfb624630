package mapdef

import (
	"fmt"
	"sync"

	cilebpf "github.com/cilium/ebpf"
)

// FakeCreator is a Creator that never touches the kernel; it hands out
// sequential descriptors, so rexload's and patch's tests can exercise map
// creation and image patching without CAP_BPF.
type FakeCreator struct {
	mu     sync.Mutex
	nextFD int

	// FailAt, if non-zero, fails the Nth Create call (1-indexed) and every
	// call after it.
	FailAt int
	calls  int

	Specs  []cilebpf.MapSpec
	Closed []int
}

// NewFakeCreator returns a FakeCreator whose descriptors start at startFD.
func NewFakeCreator(startFD int) *FakeCreator {
	return &FakeCreator{nextFD: startFD}
}

func (f *FakeCreator) Create(spec *cilebpf.MapSpec) (createdMap, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.Specs = append(f.Specs, *spec)
	fd := f.nextFD
	f.nextFD++
	f.mu.Unlock()

	if f.FailAt != 0 && n >= f.FailAt {
		return nil, fmt.Errorf("fake: map create %d rejected", n)
	}
	return &fakeMap{fd: fd, creator: f}, nil
}

func (f *FakeCreator) recordClose(fd int) {
	f.mu.Lock()
	f.Closed = append(f.Closed, fd)
	f.mu.Unlock()
}

type fakeMap struct {
	fd      int
	creator *FakeCreator
}

func (m *fakeMap) FD() int { return m.fd }

func (m *fakeMap) Close() error {
	m.creator.recordClose(m.fd)
	return nil
}
