// Package prompts builds the agent-type-specific prompt for a run.
package prompts

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/loopwork-ai/relay/internal/store"
)

var defaultTemplates = map[store.AgentType]string{
	store.AgentTypePlanning: `You are planning work for the task "{{.Title}}".
Break the task into concrete implementation steps and wait for review before proceeding.`,
	store.AgentTypeImplementation: `You are implementing the task "{{.Title}}".
Apply the current plan and review feedback. Signal workflow completion when no further work remains.`,
	store.AgentTypeReview: `You are reviewing the latest implementation of the task "{{.Title}}".
Identify defects and concrete improvements for the next implementation pass.`,
}

// Builder renders prompts from per-agent-type templates.
type Builder struct {
	templates map[store.AgentType]*template.Template
}

// NewBuilder parses the built-in templates.
func NewBuilder() (*Builder, error) {
	parsed := make(map[store.AgentType]*template.Template, len(defaultTemplates))
	for agentType, text := range defaultTemplates {
		tmpl, err := template.New(string(agentType)).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", agentType, err)
		}
		parsed[agentType] = tmpl
	}
	return &Builder{templates: parsed}, nil
}

// Build renders the prompt for the given task and agent type.
func (b *Builder) Build(task *store.Task, agentType store.AgentType) (string, error) {
	tmpl, ok := b.templates[agentType]
	if !ok {
		return "", fmt.Errorf("no prompt template for agent type %q", agentType)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, task); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return sb.String(), nil
}
