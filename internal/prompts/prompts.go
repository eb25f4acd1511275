// Package prompts renders the canned prompt fragments the agent hub injects
// around user input: tool and delegation guides, tool feedback, and the
// supervisor reconciliation prompt. Templates live in guides.yaml so wording
// can be tuned without touching orchestration code.
package prompts

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/agentdev/ads/internal/agent"
)

//go:embed guides.yaml
var guidesYAML []byte

type guideSet struct {
	ToolGuide          string `yaml:"toolGuide"`
	DelegationGuide    string `yaml:"delegationGuide"`
	Reconciliation     string `yaml:"reconciliation"`
	Feedback           string `yaml:"feedback"`
	ToolRoundsExceeded string `yaml:"toolRoundsExceeded"`
}

var (
	guides    guideSet
	templates = template.New("prompts").Funcs(template.FuncMap{
		"join": strings.Join,
	})
)

func init() {
	if err := yaml.Unmarshal(guidesYAML, &guides); err != nil {
		panic(fmt.Sprintf("prompts: invalid guides.yaml: %v", err))
	}
	for name, text := range map[string]string{
		"toolGuide":       guides.ToolGuide,
		"delegationGuide": guides.DelegationGuide,
		"reconciliation":  guides.Reconciliation,
		"feedback":        guides.Feedback,
	} {
		template.Must(templates.New(name).Parse(text))
	}
}

func render(name string, data any) string {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, name, data); err != nil {
		return ""
	}
	return strings.TrimSpace(b.String())
}

// ToolGuide enumerates the available tools for injection ahead of user input.
func ToolGuide(toolNames []string) string {
	return render("toolGuide", struct{ Tools []string }{toolNames})
}

// DelegationGuide describes the delegation protocol and the delegate roster.
func DelegationGuide(agents []agent.Metadata) string {
	if len(agents) == 0 {
		return ""
	}
	return render("delegationGuide", struct{ Agents []agent.Metadata }{agents})
}

// FeedbackResult is one tool outcome for the feedback prompt.
type FeedbackResult struct {
	Name   string
	Output string
}

// Feedback builds the re-prompt carrying tool results back to the agent.
// priorResponse is included for stateless agents that cannot recall their
// previous turn.
func Feedback(results []FeedbackResult, priorResponse string) string {
	return render("feedback", struct {
		Results       []FeedbackResult
		PriorResponse string
	}{results, priorResponse})
}

// ReconEntry is one completed delegation for the reconciliation prompt.
type ReconEntry struct {
	AgentID   string
	AgentName string
	Prompt    string
	Response  string
	Failed    bool
}

// Reconciliation builds the supervisor re-prompt after a delegation batch.
// canDelegate is false on the last permitted supervisor round.
func Reconciliation(entries []ReconEntry, canDelegate bool) string {
	return render("reconciliation", struct {
		Entries     []ReconEntry
		CanDelegate bool
	}{entries, canDelegate})
}

// ToolRoundsExceeded is the warning appended when the tool-loop bound is hit.
func ToolRoundsExceeded() string {
	return strings.TrimSpace(guides.ToolRoundsExceeded)
}
