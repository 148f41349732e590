package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/chirino/chat-service/internal/model"
)

// Turn is one message of prompt context.
type Turn struct {
	Role    model.Role
	Content string
}

// Request is the assembled prompt for a single reply.
type Request struct {
	// System is the instruction block sent ahead of the conversation.
	System string
	// Memory holds related excerpts recalled from earlier conversation.
	Memory []Turn
	// History is the recent conversation, oldest first, ending with the
	// user's newest message.
	History []Turn
}

// Generator produces the assistant reply for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

// Loader creates a Generator from config.
type Loader func(ctx context.Context) (Generator, error)

// Plugin represents a generator plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a generator plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered generator plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named generator plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown generator %q; valid: %v", name, Names())
}

// SystemWithMemory returns the system prompt followed by the recalled
// excerpts, or just the system prompt when nothing was recalled.
func (r Request) SystemWithMemory() string {
	if len(r.Memory) == 0 {
		return r.System
	}
	var b strings.Builder
	b.WriteString(r.System)
	if r.System != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Relevant excerpts from earlier conversation:")
	for _, m := range r.Memory {
		b.WriteString("\n- ")
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
