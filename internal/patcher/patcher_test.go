package patcher

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
	"unsafe"

	"mempatch/internal/mem"
	"mempatch/internal/patch"
)

type fakeModule struct {
	syms map[string]uintptr
	segs []mem.Region
}

func (m *fakeModule) Symbol(name string) (uintptr, error) {
	if addr, ok := m.syms[name]; ok {
		return addr, nil
	}
	return 0, errors.New("no such symbol")
}

func (m *fakeModule) Segments() []mem.Region         { return m.segs }
func (m *fakeModule) OriginalSegments() []mem.Region { return m.segs }
func (m *fakeModule) Close() error                   { return nil }

type fakeOpener struct {
	mu   sync.Mutex
	mods map[string]*fakeModule
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{mods: make(map[string]*fakeModule)}
}

func (o *fakeOpener) add(name string, m *fakeModule) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mods[name] = m
}

func (o *fakeOpener) Open(name string) (patch.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.mods[name]; ok {
		return m, nil
	}
	return nil, errors.New("module not loaded: " + name)
}

func bufRegion(b []byte) mem.Region {
	return mem.Region{
		Start:    uintptr(unsafe.Pointer(&b[0])),
		Size:     uintptr(len(b)),
		Readable: true,
		Writable: true,
	}
}

func newTestWorker(t *testing.T, opener patch.Opener) *Worker {
	t.Helper()
	w := NewWorker(&patch.Env{Modules: opener})
	w.SetSweepInterval(2 * time.Millisecond)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func replaceSearch(module string, search, replace []byte) QueuedPatch {
	return QueuedPatch{Patch: patch.Patch{Body: &patch.ReplaceSearchPatch{
		Search:       patch.Search{ModuleName: module, SearchBytes: search},
		ReplaceBytes: replace,
	}}}
}

func waitFor(t *testing.T, ch chan GroupID, what string) GroupID {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return 0
	}
}

func TestSingleSiteReplaceRoundTrip(t *testing.T) {
	buf := []byte{0xde, 0xad, 0xbe, 0xef, 0x00}
	opener := newFakeOpener()
	opener.add("testmod", &fakeModule{segs: []mem.Region{bufRegion(buf)}})
	w := newTestWorker(t, opener)

	success := make(chan GroupID, 1)
	id, err := w.AddToQueue(
		[]QueuedPatch{replaceSearch("testmod", []byte{0xde, 0xad, 0xbe, 0xef}, []byte{0xca, 0xfe, 0xba, 0xbe})},
		NoTimeout, nil, func(id GroupID) { success <- id })
	if err != nil {
		t.Fatalf("AddToQueue: %s", err)
	}
	waitFor(t, success, "patch to apply")

	if !bytes.Equal(buf[:4], []byte{0xca, 0xfe, 0xba, 0xbe}) {
		t.Errorf("after apply: % x", buf[:4])
	}
	if buf[4] != 0x00 {
		t.Error("byte past the window was touched")
	}

	if err := w.Undo(id); err != nil {
		t.Fatalf("Undo: %s", err)
	}
	if !bytes.Equal(buf[:4], []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("after undo: % x, want byte-exact restoration", buf[:4])
	}
}

func TestIgnoredReplaceRvasKeepLiveBytes(t *testing.T) {
	buf := []byte{0x11, 0x22, 0x33}
	opener := newFakeOpener()
	opener.add("testmod", &fakeModule{segs: []mem.Region{bufRegion(buf)}})
	w := newTestWorker(t, opener)

	qp := QueuedPatch{Patch: patch.Patch{Body: &patch.ReplaceSearchPatch{
		Search:             patch.Search{ModuleName: "testmod", SearchBytes: []byte{0x11, 0x22, 0x33}},
		ReplaceBytes:       []byte{0xaa, 0xbb, 0xcc},
		IgnoredReplaceRvas: patch.NewRvaSet(1),
	}}}
	success := make(chan GroupID, 1)
	_, err := w.AddToQueue([]QueuedPatch{qp}, NoTimeout, nil, func(id GroupID) { success <- id })
	if err != nil {
		t.Fatalf("AddToQueue: %s", err)
	}
	waitFor(t, success, "patch to apply")

	if !bytes.Equal(buf, []byte{0xaa, 0x22, 0xcc}) {
		t.Errorf("after apply: % x, want aa 22 cc", buf)
	}
}

func TestRelAddrFixup(t *testing.T) {
	buf := []byte{0x90, 0x90, 0x90, 0x90, 0x90}
	opener := newFakeOpener()
	opener.add("testmod", &fakeModule{segs: []mem.Region{bufRegion(buf)}})
	w := newTestWorker(t, opener)

	site := bufRegion(buf).Start
	target := uintptr(0xdeadbeef)
	qp := replaceSearch("testmod", []byte{0x90, 0x90, 0x90, 0x90, 0x90}, []byte{0xe8, 0, 0, 0, 0})
	qp.RelAddrReplaces = map[uint32]uintptr{1: target}

	success := make(chan GroupID, 1)
	id, err := w.AddToQueue([]QueuedPatch{qp}, NoTimeout, nil, func(id GroupID) { success <- id })
	if err != nil {
		t.Fatalf("AddToQueue: %s", err)
	}
	waitFor(t, success, "patch to apply")

	if buf[0] != 0xe8 {
		t.Errorf("buf[0] = %#x, want e8", buf[0])
	}
	want := uint32(int64(target) - (int64(site) + 1 + 4))
	if got := binary.LittleEndian.Uint32(buf[1:]); got != want {
		t.Errorf("displacement = %#x, want %#x", got, want)
	}

	if err := w.Undo(id); err != nil {
		t.Fatalf("Undo: %s", err)
	}
	if !bytes.Equal(buf, []byte{0x90, 0x90, 0x90, 0x90, 0x90}) {
		t.Errorf("after undo: % x", buf)
	}
}

func TestRetryUntilModuleAppears(t *testing.T) {
	buf := []byte{0xde, 0xad}
	opener := newFakeOpener()
	w := newTestWorker(t, opener)

	success := make(chan GroupID, 1)
	failure := make(chan GroupID, 1)
	_, err := w.AddToQueue(
		[]QueuedPatch{replaceSearch("latemod", []byte{0xde, 0xad}, []byte{0xca, 0xfe})},
		10*time.Second,
		func(id GroupID) { failure <- id },
		func(id GroupID) { success <- id })
	if err != nil {
		t.Fatalf("AddToQueue: %s", err)
	}

	// Let several sweeps fail before the module shows up.
	time.Sleep(30 * time.Millisecond)
	if !bytes.Equal(buf, []byte{0xde, 0xad}) {
		t.Fatal("bytes written before the module was available")
	}
	opener.add("latemod", &fakeModule{segs: []mem.Region{bufRegion(buf)}})

	waitFor(t, success, "retry to succeed")
	if !bytes.Equal(buf, []byte{0xca, 0xfe}) {
		t.Errorf("after apply: % x", buf)
	}
	select {
	case <-failure:
		t.Error("failure callback fired for a group that succeeded")
	default:
	}
}

func TestGroupTimesOut(t *testing.T) {
	opener := newFakeOpener()
	w := newTestWorker(t, opener)

	failure := make(chan GroupID, 1)
	id, err := w.AddToQueue(
		[]QueuedPatch{replaceSearch("nevermod", []byte{1, 2}, []byte{3, 4})},
		10*time.Millisecond,
		func(id GroupID) { failure <- id }, nil)
	if err != nil {
		t.Fatalf("AddToQueue: %s", err)
	}

	waitFor(t, failure, "group to time out")
	// A timed-out group still has state to drop.
	if err := w.Undo(id); err != nil {
		t.Errorf("Undo after timeout: %s", err)
	}
	if err := w.Undo(id); !errors.Is(err, ErrNoSuchGroup) {
		t.Errorf("second Undo = %v, want ErrNoSuchGroup", err)
	}
}

func TestGroupIsAllOrNothing(t *testing.T) {
	buf := []byte{0xde, 0xad}
	opener := newFakeOpener()
	opener.add("testmod", &fakeModule{segs: []mem.Region{bufRegion(buf)}})
	w := newTestWorker(t, opener)

	success := make(chan GroupID, 1)
	_, err := w.AddToQueue([]QueuedPatch{
		replaceSearch("testmod", []byte{0xde, 0xad}, []byte{0x11, 0x22}),
		replaceSearch("missingmod", []byte{0xbe, 0xef}, []byte{0x33, 0x44}),
	}, NoTimeout, nil, func(id GroupID) { success <- id })
	if err != nil {
		t.Fatalf("AddToQueue: %s", err)
	}

	time.Sleep(30 * time.Millisecond)
	if !bytes.Equal(buf, []byte{0xde, 0xad}) {
		t.Fatalf("partial group was applied: % x", buf)
	}

	// Once the second module resolves too, the whole group lands.
	other := []byte{0xbe, 0xef}
	opener.add("missingmod", &fakeModule{segs: []mem.Region{bufRegion(other)}})
	waitFor(t, success, "whole group to apply")
	if !bytes.Equal(buf, []byte{0x11, 0x22}) || !bytes.Equal(other, []byte{0x33, 0x44}) {
		t.Errorf("group not fully applied: % x / % x", buf, other)
	}
}

func TestAddToQueueValidation(t *testing.T) {
	w := NewWorker(&patch.Env{Modules: newFakeOpener()})

	if _, err := w.AddToQueue(nil, NoTimeout, nil, nil); !errors.Is(err, ErrEmptyGroup) {
		t.Errorf("empty group: %v", err)
	}

	hook := QueuedPatch{Patch: patch.Patch{Body: &patch.HookPatch{HookName: "h", FunctionBody: "b"}}}
	if _, err := w.AddToQueue([]QueuedPatch{hook}, NoTimeout, nil, nil); !errors.Is(err, ErrWrongPatchType) {
		t.Errorf("hook patch: %v", err)
	}

	oversize := replaceSearch("m", []byte{1, 2, 3, 4, 5}, []byte{1, 2, 3, 4, 5})
	oversize.RelAddrReplaces = map[uint32]uintptr{2: 0x1000}
	if _, err := w.AddToQueue([]QueuedPatch{oversize}, NoTimeout, nil, nil); !errors.Is(err, ErrRelReplaceBounds) {
		t.Errorf("out-of-bounds rel replace: %v", err)
	}

	crowded := replaceSearch("m", make([]byte, 10), make([]byte, 10))
	crowded.RelAddrReplaces = map[uint32]uintptr{0: 0x1000, 2: 0x2000}
	if _, err := w.AddToQueue([]QueuedPatch{crowded}, NoTimeout, nil, nil); !errors.Is(err, ErrRelReplaceSpacing) {
		t.Errorf("crowded rel replaces: %v", err)
	}

	spaced := replaceSearch("m", make([]byte, 10), make([]byte, 10))
	spaced.RelAddrReplaces = map[uint32]uintptr{0: 0x1000, 4: 0x2000}
	if _, err := w.AddToQueue([]QueuedPatch{spaced}, NoTimeout, nil, nil); err != nil {
		t.Errorf("well-spaced rel replaces rejected: %s", err)
	}
}

func TestUndoUnknownID(t *testing.T) {
	w := NewWorker(&patch.Env{Modules: newFakeOpener()})
	if err := w.Undo(1234); !errors.Is(err, ErrNoSuchGroup) {
		t.Errorf("Undo = %v, want ErrNoSuchGroup", err)
	}
}

func TestUndoPendingGroupRemovesFromQueue(t *testing.T) {
	buf := []byte{0xde, 0xad}
	opener := newFakeOpener()
	w := newTestWorker(t, opener)

	id, err := w.AddToQueue(
		[]QueuedPatch{replaceSearch("latemod", []byte{0xde, 0xad}, []byte{0xca, 0xfe})},
		NoTimeout, nil, nil)
	if err != nil {
		t.Fatalf("AddToQueue: %s", err)
	}
	if err := w.Undo(id); err != nil {
		t.Fatalf("Undo: %s", err)
	}

	// Even if the module appears later, the undone group must not fire.
	opener.add("latemod", &fakeModule{segs: []mem.Region{bufRegion(buf)}})
	time.Sleep(30 * time.Millisecond)
	if !bytes.Equal(buf, []byte{0xde, 0xad}) {
		t.Errorf("undone group was applied: % x", buf)
	}
}

func TestGroupIDsIncrease(t *testing.T) {
	w := NewWorker(&patch.Env{Modules: newFakeOpener()})
	var prev GroupID
	for i := 0; i < 3; i++ {
		id, err := w.AddToQueue(
			[]QueuedPatch{replaceSearch("m", []byte{1}, []byte{2})},
			NoTimeout, nil, nil)
		if err != nil {
			t.Fatalf("AddToQueue: %s", err)
		}
		if i > 0 && id <= prev {
			t.Errorf("ids not increasing: %d after %d", id, prev)
		}
		prev = id
	}
}
