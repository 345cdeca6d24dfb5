package appversion

import "testing"

// stamp temporarily overrides the ldflags-injected values.
func stamp(t *testing.T, v, c, d string) {
	t.Helper()
	prevVersion, prevCommit, prevDate := version, commit, date
	version, commit, date = v, c, d
	t.Cleanup(func() { version, commit, date = prevVersion, prevCommit, prevDate })
}

func TestStringDevDefault(t *testing.T) {
	stamp(t, "dev", "", "")
	if got := String(); got != "dev" {
		t.Errorf("String() = %q, want dev", got)
	}
	if got := Version(); got != "dev" {
		t.Errorf("Version() = %q, want dev", got)
	}
}

func TestStringFullStamp(t *testing.T) {
	stamp(t, "v1.2.3", "0123456789abcdef0123", "2026-08-05")
	want := "v1.2.3 (0123456789ab, 2026-08-05)"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := Version(); got != "v1.2.3" {
		t.Errorf("Version() = %q", got)
	}
}

func TestStringPartialStamp(t *testing.T) {
	stamp(t, "v1.2.3", "abc123", "")
	if got := String(); got != "v1.2.3 (abc123)" {
		t.Errorf("String() = %q", got)
	}
	stamp(t, "v1.2.3", "", "2026-08-05")
	if got := String(); got != "v1.2.3 (2026-08-05)" {
		t.Errorf("String() = %q", got)
	}
}
