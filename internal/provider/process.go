package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// ProcessAgent runs Command once per call with the prompt on stdin and
// returns its stdout.
type ProcessAgent struct {
	Command string
	Args    []string
	Env     map[string]string
	// Dir is the working directory. Empty means the current one.
	Dir string
}

// Ask implements Agent. A non-zero exit is an agent call failure carrying
// the trimmed stderr.
func (p *ProcessAgent) Ask(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = mergeEnv(os.Environ(), p.Env)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", agentError(fmt.Sprintf("%s interrupted", p.Command), ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", agentError(fmt.Sprintf("%s: %s", p.Command, msg), err)
		}
		return "", agentError(p.Command, err)
	}
	return stdout.String(), nil
}

// mergeEnv overlays extra onto base. Keys from extra replace existing ones.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; override {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
