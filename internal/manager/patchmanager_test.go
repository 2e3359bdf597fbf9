package manager

import (
	"strings"
	"testing"

	"mempatch/internal/patch"
)

func testPatchManager(t *testing.T) *PatchManager {
	t.Helper()
	settings := testSettings(t)
	logger := NewLogger()
	cores := NewCoreManager(logger, settings)
	plugins := NewPluginManager(cores)
	return NewPatchManager(logger, settings, cores, plugins)
}

func nameHook(name, function string, rva uint32, size int) patch.Hook {
	return patch.Hook{
		Name:    name,
		HookRva: 0,
		Body: &patch.NameHook{NameSearch: patch.NameSearch{
			Search: patch.Search{
				ModuleName:  "libtarget.so",
				SearchBytes: make([]byte, size),
			},
			FunctionName: function,
			FunctionRva:  rva,
		}},
	}
}

func TestRegisterHookValidation(t *testing.T) {
	pm := testPatchManager(t)

	if err := pm.RegisterHook(patch.Hook{Body: &patch.SearchHook{}}); err == nil {
		t.Error("empty hook name must be rejected")
	}
	if err := pm.RegisterHook(patch.Hook{Name: "blank"}); err == nil {
		t.Error("blank hook body must be rejected")
	}

	// Window too small for the patched call: hookRva+5+returnRva = 9.
	tooSmall := nameHook("h", "fn", 0, 8)
	tooSmall.ReturnRva = 4
	if err := pm.RegisterHook(tooSmall); err == nil {
		t.Error("undersized hook window must be rejected")
	}

	if err := pm.RegisterHook(nameHook("h1", "fn", 0, 8)); err != nil {
		t.Fatalf("RegisterHook: %s", err)
	}
	if err := pm.RegisterHook(nameHook("h1", "other", 100, 8)); err == nil {
		t.Error("duplicate hook name must be rejected")
	}
	if !pm.IsHookRegistered("h1") {
		t.Error("hook not registered")
	}
}

func TestNameHookOverlapRejectedEitherOrder(t *testing.T) {
	a := nameHook("a", "fn", 0, 8)
	b := nameHook("b", "fn", 4, 8)

	pm := testPatchManager(t)
	if err := pm.RegisterHook(a); err != nil {
		t.Fatal(err)
	}
	if err := pm.RegisterHook(b); err == nil {
		t.Error("overlapping hook b-after-a must be rejected")
	}

	pm = testPatchManager(t)
	if err := pm.RegisterHook(b); err != nil {
		t.Fatal(err)
	}
	if err := pm.RegisterHook(a); err == nil {
		t.Error("overlapping hook a-after-b must be rejected")
	}

	// Disjoint windows in the same function are fine.
	pm = testPatchManager(t)
	if err := pm.RegisterHook(nameHook("a", "fn", 0, 8)); err != nil {
		t.Fatal(err)
	}
	if err := pm.RegisterHook(nameHook("b", "fn", 16, 8)); err != nil {
		t.Errorf("disjoint hooks rejected: %s", err)
	}
}

func TestAddPatchPackValidation(t *testing.T) {
	pm := testPatchManager(t)

	if err := pm.AddPatchPack(patch.PatchPack{}); err == nil {
		t.Error("empty pack name must be rejected")
	}

	hookPack := patch.PatchPack{
		Info:    patch.Info{Name: "p1"},
		Patches: []patch.Patch{{Body: &patch.HookPatch{HookName: "nope", FunctionBody: "x = 1"}}},
	}
	if err := pm.AddPatchPack(hookPack); err == nil {
		t.Error("hook patch naming an unregistered hook must be rejected")
	}

	needsPlugin := patch.PatchPack{
		Info:            patch.Info{Name: "p2"},
		RequiredPlugins: []string{"base"},
	}
	if err := pm.AddPatchPack(needsPlugin); err == nil {
		t.Error("missing required plugin must be rejected")
	}
	if err := pm.plugins.Load("base"); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddPatchPack(needsPlugin); err != nil {
		t.Errorf("pack with loaded plugin rejected: %s", err)
	}

	if err := pm.AddPatchPack(needsPlugin); err == nil {
		t.Error("duplicate pack name must be rejected")
	}
}

func replaceNamePack(packName, function string, rva uint32) patch.PatchPack {
	return patch.PatchPack{
		Info: patch.Info{Name: packName},
		Patches: []patch.Patch{{Body: &patch.ReplaceNamePatch{
			NameSearch: patch.NameSearch{
				Search: patch.Search{
					ModuleName:  "libtarget.so",
					SearchBytes: []byte{1, 2, 3, 4},
				},
				FunctionName: function,
				FunctionRva:  rva,
			},
			ReplaceBytes: []byte{5, 6, 7, 8},
		}}},
	}
}

func TestReplaceNameOverlapAcrossPacks(t *testing.T) {
	pm := testPatchManager(t)
	if err := pm.AddPatchPack(replaceNamePack("p1", "fn", 0)); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddPatchPack(replaceNamePack("p2", "fn", 2)); err == nil {
		t.Error("overlapping replace-name windows must be rejected")
	}
	if err := pm.AddPatchPack(replaceNamePack("p3", "fn", 8)); err != nil {
		t.Errorf("disjoint replace-name window rejected: %s", err)
	}
}

func TestUnregisterHookRemovesDependantPacks(t *testing.T) {
	pm := testPatchManager(t)
	if err := pm.RegisterHook(nameHook("h1", "fn", 0, 8)); err != nil {
		t.Fatal(err)
	}
	pack := patch.PatchPack{
		Info:    patch.Info{Name: "p1"},
		Patches: []patch.Patch{{Body: &patch.HookPatch{HookName: "h1", FunctionBody: "x = 1"}}},
	}
	if err := pm.AddPatchPack(pack); err != nil {
		t.Fatal(err)
	}

	if err := pm.UnregisterHook("h1"); err != nil {
		t.Fatalf("UnregisterHook: %s", err)
	}
	if pm.IsHookRegistered("h1") {
		t.Error("hook still registered")
	}
	if pm.IsPatchPackLoaded("p1") {
		t.Error("dependant pack must be removed with its hook")
	}
}

func TestEnableDisableAndExtraSettings(t *testing.T) {
	pm := testPatchManager(t)
	pack := replaceNamePack("p1", "fn", 0)
	pack.Info.ExtraSettings = []patch.ExtraSetting{
		{Label: "speed", DefaultValue: "1", CurrentValue: "9"},
	}
	if err := pm.AddPatchPack(pack); err != nil {
		t.Fatal(err)
	}

	// Current values are ignored on input; defaults win.
	got := pm.PatchPacks()[0]
	if got.Info.ExtraSettings[0].CurrentValue != "1" {
		t.Errorf("current value = %q, want the default", got.Info.ExtraSettings[0].CurrentValue)
	}
	if enabled, _ := pm.IsPatchPackEnabled("p1"); enabled {
		t.Error("pack must start disabled unless default-enabled")
	}

	if err := pm.EnablePatchPack("p1"); err != nil {
		t.Fatal(err)
	}
	if enabled, _ := pm.IsPatchPackEnabled("p1"); !enabled {
		t.Error("pack not enabled")
	}

	if err := pm.SetExtraSettingValue("p1", "speed", "5"); err != nil {
		t.Fatal(err)
	}
	if got := pm.PatchPacks()[0].Info.ExtraSettings[0].CurrentValue; got != "5" {
		t.Errorf("current value = %q, want 5", got)
	}
	if err := pm.SetExtraSettingValue("p1", "missing", "5"); err == nil {
		t.Error("unknown setting label must be rejected")
	}

	if err := pm.RestoreExtraSettingDefaults("p1"); err != nil {
		t.Fatal(err)
	}
	if got := pm.PatchPacks()[0].Info.ExtraSettings[0].CurrentValue; got != "1" {
		t.Errorf("current value = %q after restore, want 1", got)
	}

	if err := pm.DisablePatchPack("p1"); err != nil {
		t.Fatal(err)
	}
	if enabled, _ := pm.IsPatchPackEnabled("p1"); enabled {
		t.Error("pack not disabled")
	}
}

func TestDefaultEnabledPackComesUpEnabled(t *testing.T) {
	pm := testPatchManager(t)
	pack := replaceNamePack("p1", "fn", 0)
	pack.Info.DefaultEnabled = true
	if err := pm.AddPatchPack(pack); err != nil {
		t.Fatal(err)
	}
	if enabled, _ := pm.IsPatchPackEnabled("p1"); !enabled {
		t.Error("default-enabled pack must come up enabled")
	}
}

func TestCompileAllSkipsWhenUnchanged(t *testing.T) {
	pm := testPatchManager(t)
	if err := pm.RegisterHook(nameHook("h1", "fn", 0, 8)); err != nil {
		t.Fatal(err)
	}

	out, err := pm.CompileAll()
	if err != nil {
		t.Fatalf("CompileAll: %s", err)
	}
	if !strings.Contains(out, "Linking...") {
		t.Errorf("output missing link step:\n%s", out)
	}
	if !strings.Contains(out, "Skipped.") {
		// The register already compiled; this pass has nothing to do.
		t.Errorf("second compile should skip everything:\n%s", out)
	}
}
