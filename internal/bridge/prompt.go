package bridge

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// PromptData is everything a role prompt can reference.
type PromptData struct {
	BugID          string
	Phase          domain.Phase
	Timer          int
	Severity       int
	Description    string
	ObserverReport string
	PatchBundle    string
	// Attempt is "first" or "second" for the verifier.
	Attempt string
}

const observerPrompt = `You are the observer on bug {{.BugID}} (severity {{.Severity}}/5).
Phase {{.Phase}}, {{.Timer}} ticks left in this phase.

Bug report:
{{.Description}}

Reproduce the failure. Reply with a single JSON object and nothing else, using the keys
"summary", "steps", "expected" and "actual".
`

const analystPrompt = `You are the analyst on bug {{.BugID}} (severity {{.Severity}}/5).

Bug report:
{{.Description}}

Observer reproduction report:
{{.ObserverReport}}
{{if .PatchBundle}}
Your previous patch did not pass verification:
{{.PatchBundle}}
Produce a corrected patch.
{{end}}
Reply with a unified diff in git format. The diff must start with "diff --git".
`

const verifierPrompt = `You are the verifier on bug {{.BugID}}. This is the {{.Attempt}} verification attempt.

Observer reproduction report:
{{.ObserverReport}}

Candidate patch:
{{.PatchBundle}}

Check whether the patch fixes the reproduction. Reply with a single JSON object:
{"status": "PASS" or "FAIL", "notes": "<short reason>"}
`

// PromptBuilder renders the prompt each role receives.
type PromptBuilder struct {
	templates map[domain.Role]*template.Template
}

// NewPromptBuilder parses the built-in role templates.
func NewPromptBuilder() *PromptBuilder {
	b := &PromptBuilder{templates: make(map[domain.Role]*template.Template)}
	for role, text := range map[domain.Role]string{
		domain.RoleObserver: observerPrompt,
		domain.RoleAnalyst:  analystPrompt,
		domain.RoleVerifier: verifierPrompt,
	} {
		b.templates[role] = template.Must(template.New(string(role)).Option("missingkey=error").Parse(text))
	}
	return b
}

// Override replaces the template for role.
func (b *PromptBuilder) Override(role domain.Role, text string) error {
	tmpl, err := template.New(string(role)).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("parse %s prompt: %w", role, err)
	}
	b.templates[role] = tmpl
	return nil
}

// Build renders the prompt for role.
func (b *PromptBuilder) Build(role domain.Role, data PromptData) (string, error) {
	tmpl, ok := b.templates[role]
	if !ok {
		return "", domain.Errorf(domain.ErrRoleUnavailable, "no prompt for %s", role)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", role, err)
	}
	return sb.String(), nil
}
