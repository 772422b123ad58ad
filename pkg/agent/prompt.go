package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/discopilot/discopilot/pkg/store"
)

// Prompt section headers. These are a wire-format contract with the
// completion provider's prompt: downstream parity tooling parses replies
// against them, so the literals must not change.
const (
	systemHeader    = "=== SYSTEM INSTRUCTIONS ==="
	memoryHeader    = "=== CONVERSATION MEMORY ==="
	knowledgeHeader = "=== RELEVANT KNOWLEDGE ==="
	userHeader      = "=== USER MESSAGE ==="
	responseHeader  = "=== RESPONSE ==="

	responseDirective = "Provide a helpful, concise response based on the above context."
)

// DefaultPersona is used when no agent configuration record exists.
const DefaultPersona = `You are a helpful AI assistant for Discord. Your personality should be:
- Friendly and approachable
- Knowledgeable but humble
- Willing to help with various topics
- Respectful and professional
- Able to admit when you don't know something

Rules:
- Always be helpful and respectful
- Never provide harmful or dangerous information
- Keep responses concise but informative
- Use appropriate formatting for readability`

// Matches Discord user mentions, with or without the nickname marker.
var mentionPattern = regexp.MustCompile(`<@!?\d+>`)

// CleanMessage strips user mention tokens and trims whitespace. Idempotent.
func CleanMessage(content string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(content, ""))
}

// PromptContext holds the resolved sections of a prompt before rendering.
type PromptContext struct {
	Persona       string
	MemorySummary string
	Chunks        []store.KnowledgeChunk
	UserMessage   string
}

// AssembleContext resolves persona, memory and knowledge sections for a raw
// inbound message. Pure composition: callers do the I/O.
func AssembleContext(content string, cfg *store.AgentConfig, mem *store.ConversationMemory, chunks []store.KnowledgeChunk) PromptContext {
	persona := DefaultPersona
	if cfg != nil && strings.TrimSpace(cfg.PersonaInstructions) != "" {
		persona = cfg.PersonaInstructions
	}

	summary := ""
	if mem != nil {
		summary = mem.Summary
	}

	return PromptContext{
		Persona:       persona,
		MemorySummary: summary,
		Chunks:        chunks,
		UserMessage:   CleanMessage(content),
	}
}

// BuildPrompt renders the context as labeled sections separated by blank
// lines. Empty persona, memory and knowledge sections are omitted; the user
// message and response directive are always present.
func (p PromptContext) BuildPrompt() string {
	var sections []string

	if p.Persona != "" {
		sections = append(sections, systemHeader+"\n"+p.Persona)
	}
	if p.MemorySummary != "" {
		sections = append(sections, memoryHeader+"\n"+p.MemorySummary)
	}
	if len(p.Chunks) > 0 {
		numbered := make([]string, 0, len(p.Chunks))
		for i, chunk := range p.Chunks {
			numbered = append(numbered, fmt.Sprintf("[%d] %s", i+1, chunk.Content))
		}
		sections = append(sections, knowledgeHeader+"\n"+strings.Join(numbered, "\n\n"))
	}

	sections = append(sections, userHeader+"\n"+p.UserMessage)
	sections = append(sections, responseHeader+"\n"+responseDirective)

	return strings.Join(sections, "\n\n")
}
