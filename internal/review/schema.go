// Package review validates the shape of reasoning-agent replies before the
// coordinator stores them as artifacts.
package review

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// DiffMarker is the header every patch bundle must contain.
const DiffMarker = "diff --git"

// Validator checks agent replies against the coordinator's contract.
type Validator struct {
	// MaxPatchFiles rejects bundles touching more files. Zero means no limit.
	MaxPatchFiles int
}

// VerifyReply is the structured verdict a verifier must return.
type VerifyReply struct {
	Status domain.VerifyStatus `json:"status"`
	Notes  string              `json:"notes,omitempty"`
}

// ObserverReport checks that an observer reply is a JSON object.
func (v *Validator) ObserverReport(reply string) error {
	body := StripFence(reply)
	var violations []string

	var report map[string]any
	switch {
	case body == "":
		violations = append(violations, "observer reply is empty")
	case !json.Valid([]byte(body)):
		violations = append(violations, "observer reply is not valid JSON")
	case json.Unmarshal([]byte(body), &report) != nil || report == nil:
		violations = append(violations, "observer reply is not a JSON object")
	}
	return violationError("observer", violations)
}

// PatchBundle checks that an analyst reply carries a parseable git diff.
// Files without hunks (binary, rename, mode or empty-file changes) count.
// Returns the parsed file diffs for callers that want statistics.
func (v *Validator) PatchBundle(reply string) ([]*diff.FileDiff, error) {
	body := StripFence(reply)
	idx := strings.Index(body, DiffMarker)
	if idx < 0 {
		return nil, violationError("analyst", []string{fmt.Sprintf("reply contains no %q header", DiffMarker)})
	}

	files, err := diff.NewMultiFileDiffReader(strings.NewReader(body[idx:] + "\n")).ReadAllFiles()
	if err != nil {
		return nil, violationError("analyst", []string{fmt.Sprintf("invalid diff format: %v", err)})
	}

	var violations []string
	if len(files) == 0 {
		violations = append(violations, "diff touches no files")
	}
	if v.MaxPatchFiles > 0 && len(files) > v.MaxPatchFiles {
		violations = append(violations, fmt.Sprintf("diff touches %d files, limit is %d", len(files), v.MaxPatchFiles))
	}
	if err := violationError("analyst", violations); err != nil {
		return nil, err
	}
	return files, nil
}

// VerifyStatus parses a verifier reply and returns its status.
func (v *Validator) VerifyStatus(reply string) (domain.VerifyStatus, error) {
	body := StripFence(reply)
	var out VerifyReply
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return "", violationError("verifier", []string{fmt.Sprintf("reply is not a JSON object: %v", err)})
	}
	switch out.Status {
	case domain.VerifyPass, domain.VerifyFail:
		return out.Status, nil
	default:
		return "", violationError("verifier", []string{fmt.Sprintf("status %q is not PASS or FAIL", out.Status)})
	}
}

// StripFence removes a surrounding Markdown code fence, if present, and trims
// whitespace. Text outside the fence is dropped.
func StripFence(reply string) string {
	s := strings.TrimSpace(reply)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	// Skip the info string (e.g. "json" or "diff") on the opening line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return s
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

func violationError(role string, violations []string) error {
	if len(violations) == 0 {
		return nil
	}
	return domain.NewEngineError(domain.ErrMalformedReply.Code,
		fmt.Sprintf("%s: %s: %s", domain.ErrMalformedReply.Message, role, strings.Join(violations, "; ")))
}
