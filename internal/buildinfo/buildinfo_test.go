package buildinfo

import (
	"strings"
	"testing"
)

func TestCurrentUsesOverrides(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	defer func() {
		Version, Commit, Date = oldVersion, oldCommit, oldDate
	}()

	Version = "v1.2.3"
	Commit = "abc1234"
	Date = "2026-02-12T10:11:12Z"

	info := Current()
	if info.Version != "v1.2.3" {
		t.Fatalf("version = %q, want %q", info.Version, "v1.2.3")
	}
	if info.Commit != "abc1234" {
		t.Fatalf("commit = %q, want %q", info.Commit, "abc1234")
	}
	if info.Date != "2026-02-12 10:11:12 UTC" {
		t.Fatalf("date = %q, want %q", info.Date, "2026-02-12 10:11:12 UTC")
	}
}

func TestShort(t *testing.T) {
	info := Info{Version: "v1.2.3", Commit: "abcdef0123456789", Dirty: true}
	got := info.Short()
	if !strings.HasPrefix(got, "v1.2.3 (abcdef012345") {
		t.Fatalf("Short() = %q, want truncated commit", got)
	}
	if !strings.Contains(got, "-dirty") {
		t.Fatalf("Short() = %q, want dirty marker", got)
	}

	bare := Info{Version: "v2.0.0"}
	if bare.Short() != "v2.0.0" {
		t.Fatalf("Short() = %q, want bare version", bare.Short())
	}
}
