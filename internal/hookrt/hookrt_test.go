package hookrt

import (
	"errors"
	"testing"

	"mempatch/internal/patch"
)

func TestDispatchContract(t *testing.T) {
	rt := NewRuntime()
	rt.RegisterHook("h1")

	hook := &patch.Hook{
		Name:       "h1",
		ReturnRva:  3,
		ExtraStack: 16,
	}

	var order []string
	var seenRet uint32
	rt.Attach("h1", "first", func(regs *Registers, ret *uint32, extras []patch.ExtraSetting, params *[]any) {
		order = append(order, "first")
		seenRet = *ret
		regs.Ecx = 0x1234
	}, nil)
	rt.Attach("h1", "second", func(regs *Registers, ret *uint32, extras []patch.ExtraSetting, params *[]any) {
		order = append(order, "second")
		if regs.Ecx != 0x1234 {
			t.Error("second callback does not see the first callback's mutation")
		}
	}, nil)

	regs := &Registers{Esp: 100}
	ret := uint32(0x1000)
	if err := rt.Dispatch(hook, nil, regs, &ret); err != nil {
		t.Fatalf("Dispatch: %s", err)
	}

	if regs.Esp != 100+16+4 {
		t.Errorf("esp = %d, want the pre-call value %d", regs.Esp, 100+16+4)
	}
	if ret != 0x1003 {
		t.Errorf("return address = %#x, want %#x", ret, 0x1003)
	}
	if seenRet != 0x1003 {
		t.Errorf("callback saw return address %#x before the rva was added", seenRet)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("callbacks ran as %v, want insertion order", order)
	}
}

func TestDispatchUnknownHook(t *testing.T) {
	rt := NewRuntime()
	hook := &patch.Hook{Name: "ghost"}
	regs := &Registers{}
	ret := uint32(0)
	if err := rt.Dispatch(hook, nil, regs, &ret); !errors.Is(err, ErrNoSuchHook) {
		t.Errorf("Dispatch = %v, want ErrNoSuchHook", err)
	}
}

func TestAttachReplacesInPlace(t *testing.T) {
	rt := NewRuntime()
	rt.RegisterHook("h1")

	rt.Attach("h1", "a", func(*Registers, *uint32, []patch.ExtraSetting, *[]any) {}, nil)
	rt.Attach("h1", "b", func(*Registers, *uint32, []patch.ExtraSetting, *[]any) {}, nil)
	rt.Attach("h1", "a", func(*Registers, *uint32, []patch.ExtraSetting, *[]any) {},
		[]patch.ExtraSetting{{Label: "x"}})

	entries := rt.Entries("h1")
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Key != "a" || entries[1].Key != "b" {
		t.Errorf("order = %q, %q; replacement must keep position", entries[0].Key, entries[1].Key)
	}
	if len(entries[0].Extras) != 1 || entries[0].Extras[0].Label != "x" {
		t.Error("replacement did not update the extras")
	}
}

func TestDetachMissingKeyIsFine(t *testing.T) {
	rt := NewRuntime()
	rt.RegisterHook("h1")
	if err := rt.Detach("h1", "never-attached"); err != nil {
		t.Errorf("Detach: %s", err)
	}
	if err := rt.Detach("nohook", "x"); !errors.Is(err, ErrNoSuchHook) {
		t.Errorf("Detach on unknown hook = %v, want ErrNoSuchHook", err)
	}
}

func TestSaveRestorePreservesAttachment(t *testing.T) {
	rt := NewRuntime()
	rt.RegisterHook("h1")
	rt.RegisterHook("h2")

	fn := func(*Registers, *uint32, []patch.ExtraSetting, *[]any) {}
	rt.Attach("h1", "cb0", fn, nil)
	rt.Attach("h1", "cb1", fn, []patch.ExtraSetting{{Label: "speed"}})
	rt.Attach("h2", "cb2", fn, nil)

	saved := rt.SaveAll()

	// Simulate the artifact swap wiping the runtime.
	rt.UnregisterHook("h1")
	rt.UnregisterHook("h2")
	rt.RestoreAll(saved)

	h1 := rt.Entries("h1")
	if len(h1) != 2 || h1[0].Key != "cb0" || h1[1].Key != "cb1" {
		t.Errorf("h1 entries after restore: %+v", h1)
	}
	if len(h1[1].Extras) != 1 || h1[1].Extras[0].Label != "speed" {
		t.Error("extras lost across save/restore")
	}
	if h2 := rt.Entries("h2"); len(h2) != 1 || h2[0].Key != "cb2" {
		t.Errorf("h2 entries after restore: %+v", h2)
	}
}

func TestAttachUnknownHookFails(t *testing.T) {
	rt := NewRuntime()
	err := rt.Attach("ghost", "k", func(*Registers, *uint32, []patch.ExtraSetting, *[]any) {}, nil)
	if !errors.Is(err, ErrNoSuchHook) {
		t.Errorf("Attach = %v, want ErrNoSuchHook", err)
	}
}
