package protocol

import (
	"encoding/json"
	"testing"
)

func TestAllowMarshalsEmpty(t *testing.T) {
	out, err := json.Marshal(Allow())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "{}" {
		t.Errorf("allow = %s, want {}", out)
	}
	if !Allow().IsAllow() {
		t.Error("Allow().IsAllow() = false")
	}
}

func TestBlockShape(t *testing.T) {
	out, err := json.Marshal(Block("bad prompt"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"decision":"block","reason":"bad prompt"}`
	if string(out) != want {
		t.Errorf("block = %s, want %s", out, want)
	}
}

func TestBlockForToolHooksCarriesDeny(t *testing.T) {
	for _, hook := range []string{HookPreToolUse, HookPermissionRequest} {
		d := BlockFor(hook, "dangerous")
		if d.HookSpecificOutput == nil {
			t.Fatalf("%s: missing hookSpecificOutput", hook)
		}
		if d.HookSpecificOutput.PermissionDecision != "deny" {
			t.Errorf("%s: permissionDecision = %q", hook, d.HookSpecificOutput.PermissionDecision)
		}
		if d.HookSpecificOutput.HookEventName != hook {
			t.Errorf("%s: hookEventName = %q", hook, d.HookSpecificOutput.HookEventName)
		}
		if d.Decision != "block" || d.Reason != "dangerous" {
			t.Errorf("%s: top-level decision wrong: %+v", hook, d)
		}
	}
}

func TestBlockForOtherHooksPlain(t *testing.T) {
	d := BlockFor(HookStop, "bad output")
	if d.HookSpecificOutput != nil {
		t.Error("Stop block must not carry permission fields")
	}
	if d.Decision != "block" {
		t.Errorf("decision = %q", d.Decision)
	}
}
