// Package detect checks which registered adapters are actually
// installed on this machine and probes their versions.
package detect

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/taskloop/taskloop/internal/agent"
)

const versionProbeTimeout = 1800 * time.Millisecond

var semverRE = regexp.MustCompile(`(?i)\bv?(\d+\.\d+(?:\.\d+)?(?:[-+][0-9A-Za-z.-]+)?)\b`)

// Installed describes one adapter whose launch command resolves to a
// real executable.
type Installed struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	Path        string `json:"path"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// Scan checks every registered adapter's launch command against PATH
// and the usual install locations. Adapters whose binaries are missing
// are simply absent from the result, which stays sorted by id.
func Scan(reg *agent.Registry) []Installed {
	var out []Installed
	for _, id := range reg.Known() {
		d, ok := reg.Lookup(id)
		if !ok {
			continue
		}
		path, ok := resolveBinaryPath(d.Command)
		if !ok {
			continue
		}
		out = append(out, Installed{
			ID:          id,
			Command:     d.Command,
			Path:        path,
			Version:     detectVersion(path),
			Description: d.Description,
		})
	}
	return out
}

func resolveBinaryPath(binary string) (string, bool) {
	if binary == "" {
		return "", false
	}
	candidates := make([]string, 0, 1+len(knownInstallDirs()))
	if p, err := exec.LookPath(binary); err == nil {
		candidates = append(candidates, p)
	}
	for _, dir := range knownInstallDirs() {
		candidates = append(candidates, filepath.Join(dir, binary))
	}

	for _, path := range candidates {
		if real, ok := executablePath(path); ok {
			return real, true
		}
	}
	return "", false
}

func knownInstallDirs() []string {
	dirs := []string{
		"/usr/local/bin",
		"/usr/bin",
		"/opt/homebrew/bin",
		"/opt/local/bin",
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "bin"),
			filepath.Join(home, ".npm-global", "bin"),
		)
	}

	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			dirs = append(dirs, filepath.Join(local, "Programs"))
		}
		if pf := os.Getenv("ProgramFiles"); pf != "" {
			dirs = append(dirs, pf)
		}
	}

	uniq := make(map[string]struct{}, len(dirs))
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if _, exists := uniq[dir]; exists {
			continue
		}
		uniq[dir] = struct{}{}
		out = append(out, dir)
	}
	return out
}

func executablePath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if runtime.GOOS == "windows" {
		if !strings.HasSuffix(strings.ToLower(path), ".exe") {
			if _, err := os.Stat(path + ".exe"); err == nil {
				path += ".exe"
			}
		}
	}

	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return "", false
	}
	if runtime.GOOS != "windows" && fi.Mode()&0111 == 0 {
		return "", false
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		abs = resolved
	}
	return abs, true
}

func detectVersion(commandPath string) string {
	attempts := [][]string{{"--version"}, {"-v"}, {"version"}}

	for _, args := range attempts {
		out, err := runVersionProbe(commandPath, args)
		if err != nil && out == "" {
			continue
		}
		if version := parseVersion(out); version != "" {
			return version
		}
	}
	return "unknown"
}

func runVersionProbe(commandPath string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, commandPath, args...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, ctx.Err()
	}
	return out, err
}

func parseVersion(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}

	if matches := semverRE.FindStringSubmatch(output); len(matches) > 1 {
		return matches[1]
	}

	line := output
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if len(line) > 48 {
		line = line[:48]
	}
	return line
}
