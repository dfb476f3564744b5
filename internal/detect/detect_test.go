package detect

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/taskloop/taskloop/internal/agent"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "semver", input: "gemini 0.9.0", want: "0.9.0"},
		{name: "prefixed", input: "claude-code-acp v1.3.0-beta.1", want: "1.3.0-beta.1"},
		{name: "fallback first line", input: "version unknown\nextra", want: "version unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseVersion(tt.input)
			if got != tt.want {
				t.Fatalf("parseVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func mustWriteVersionScript(t *testing.T, path, name, version string) {
	t.Helper()

	content := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ] || [ \"$1\" = \"-v\" ] || [ \"$1\" = \"version\" ]; then\n" +
		"  echo \"" + name + " " + version + "\"\n" +
		"  exit 0\n" +
		"fi\n" +
		"echo \"ok\"\n"

	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("writing script %s: %v", path, err)
	}
}

func TestScanReportsInstalledAdapters(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script-based detection test is unix-only")
	}

	tmp := t.TempDir()
	mustWriteVersionScript(t, filepath.Join(tmp, "claude-code-acp"), "claude-code-acp", "1.2.3")
	mustWriteVersionScript(t, filepath.Join(tmp, "gemini"), "gemini", "0.9.0")
	mustWriteVersionScript(t, filepath.Join(tmp, "mytool-bin"), "mytool-bin", "7.0.1")

	t.Setenv("PATH", tmp)
	t.Setenv("HOME", t.TempDir())

	reg := agent.NewRegistry(nil)
	reg.Register("mytool", agent.Descriptor{Command: "mytool-bin", Description: "local test adapter"})

	got := Scan(reg)

	index := make(map[string]Installed, len(got))
	for _, in := range got {
		index[in.ID] = in
	}

	claude, ok := index["claude"]
	if !ok {
		t.Fatalf("claude not detected: %v", got)
	}
	if claude.Version != "1.2.3" || claude.Command != "claude-code-acp" {
		t.Fatalf("claude record wrong: %+v", claude)
	}
	if claude.Path == "" {
		t.Fatal("claude has no resolved path")
	}

	if g := index["gemini"]; g.Version != "0.9.0" {
		t.Fatalf("gemini record wrong: %+v", g)
	}
	if m := index["mytool"]; m.Version != "7.0.1" || m.Description != "local test adapter" {
		t.Fatalf("registered adapter record wrong: %+v", m)
	}

	// codex-acp is not on PATH, so codex stays out of the report.
	if _, ok := index["codex"]; ok {
		t.Fatal("codex reported without its binary installed")
	}

	for i := 1; i < len(got); i++ {
		if got[i-1].ID > got[i].ID {
			t.Fatalf("result not sorted by id: %v", got)
		}
	}
}
