package mlproxy

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/abelbrown/discrimhist/internal/discrim"
)

// Local runs processors by launching a processor binary on this machine:
//
//	<command> <processor> --key=value ... --<output>=<path>
//
// Outputs are written under workDir and named by a hash of the processor and
// its parameters, so identical invocations share a path.
type Local struct {
	command string
	workDir string
}

// NewLocal creates a local runner for command, staging outputs in workDir.
func NewLocal(command, workDir string) *Local {
	return &Local{command: command, workDir: workDir}
}

// Endpoint returns the processor command.
func (l *Local) Endpoint() string {
	return l.command
}

// Locate checks that handle exists and returns its absolute path.
func (l *Local) Locate(ctx context.Context, handle string) (string, error) {
	if handle == "" {
		return "", fmt.Errorf("locate: empty handle")
	}
	abs, err := filepath.Abs(handle)
	if err != nil {
		return "", fmt.Errorf("locate %s: %w", handle, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("locate %s: %w", handle, err)
	}
	return abs, nil
}

// Filter runs the firings filter processor; disabled filters pass through.
func (l *Local) Filter(ctx context.Context, firings string, f discrim.EventFilter) (string, error) {
	if !f.Enabled {
		return firings, nil
	}
	return l.run(ctx, FilterProcessor, FilterParams(firings, f), filterOutputName)
}

// Run executes processor and returns the output artifact path.
func (l *Local) Run(ctx context.Context, processor string, params map[string]string) (string, error) {
	return l.run(ctx, processor, params, outputName)
}

func (l *Local) run(ctx context.Context, processor string, params map[string]string, output string) (string, error) {
	if err := os.MkdirAll(l.workDir, 0755); err != nil {
		return "", fmt.Errorf("run %s: create work dir: %w", processor, err)
	}
	out := OutputPath(l.workDir, processor, params, output)

	args := append([]string{processor}, Args(params)...)
	args = append(args, fmt.Sprintf("--%s=%s", output, out))

	cmd := exec.CommandContext(ctx, l.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("run %s: cancelled: %w", processor, ctx.Err())
		}
		return "", fmt.Errorf("run %s: %w: %s", processor, err, strings.TrimSpace(stderr.String()))
	}

	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("run %s: processor produced no output: %w", processor, err)
	}
	return out, nil
}

// Fetch returns location unchanged once it exists; local outputs are
// already on disk.
func (l *Local) Fetch(ctx context.Context, location, dir string) (string, error) {
	if _, err := os.Stat(location); err != nil {
		return "", fmt.Errorf("fetch %s: %w", location, err)
	}
	return location, nil
}

// Args renders params as sorted --key=value flags.
func Args(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, len(keys))
	for i, k := range keys {
		args[i] = fmt.Sprintf("--%s=%s", k, params[k])
	}
	return args
}

// OutputPath derives the artifact path for an invocation.
func OutputPath(dir, processor string, params map[string]string, output string) string {
	h := sha1.New()
	h.Write([]byte(processor))
	for _, arg := range Args(params) {
		h.Write([]byte{0})
		h.Write([]byte(arg))
	}
	sum := hex.EncodeToString(h.Sum(nil))[:16]
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s.mda", processor, output, sum))
}
