package copilot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot/memory"
)

// FactStore is the long-term fact storage used by the memory tools.
type FactStore interface {
	SetFact(ctx context.Context, participant, channel, key, value string) error
	DeleteFact(ctx context.Context, participant, channel, key string) (bool, error)
	ListFacts(ctx context.Context, participant, channel string) ([]memory.Fact, error)
}

// MemoryTools returns the registrations for remember, forget and list_memories.
// Facts are scoped to the calling participant on the calling channel.
func MemoryTools(store FactStore) []ToolRegistration {
	return []ToolRegistration{
		{
			Definition: MakeToolDefinition(ToolRemember,
				"Save a fact about the user to persistent memory. Use this when the user asks you to "+
					"remember something, or when you learn something important and stable about them "+
					"(preferences, project paths, recurring tasks, name, etc.).",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"key":   map[string]any{"type": "string", "description": "Short label for the fact (e.g. 'main_project_path', 'preferred_language')"},
						"value": map[string]any{"type": "string", "description": "The fact to remember"},
					},
					"required": []string{"key", "value"},
				}),
			Handler: func(ctx context.Context, tc ToolContext, args map[string]any) (string, error) {
				key := normalizeFactKey(stringArg(args, "key"))
				value := strings.TrimSpace(stringArg(args, "value"))
				if key == "" || value == "" {
					return "", errors.New("key and value must not be empty")
				}
				if err := store.SetFact(ctx, tc.Participant, tc.Channel, key, value); err != nil {
					return "", err
				}
				return fmt.Sprintf("✅ Remembered: %s = %s", key, value), nil
			},
		},
		{
			Definition: MakeToolDefinition(ToolForget,
				"Remove a previously remembered fact from memory.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"key": map[string]any{"type": "string", "description": "The key to forget"},
					},
					"required": []string{"key"},
				}),
			Handler: func(ctx context.Context, tc ToolContext, args map[string]any) (string, error) {
				key := normalizeFactKey(stringArg(args, "key"))
				removed, err := store.DeleteFact(ctx, tc.Participant, tc.Channel, key)
				if err != nil {
					return "", err
				}
				if !removed {
					return fmt.Sprintf("Nothing stored under '%s'", key), nil
				}
				return "✅ Forgotten: " + key, nil
			},
		},
		{
			Definition: MakeToolDefinition(ToolListMemories,
				"Show all facts currently stored in memory about the user.",
				map[string]any{"type": "object", "properties": map[string]any{}}),
			Handler: func(ctx context.Context, tc ToolContext, _ map[string]any) (string, error) {
				facts, err := store.ListFacts(ctx, tc.Participant, tc.Channel)
				if err != nil {
					return "", err
				}
				if len(facts) == 0 {
					return "No memories stored yet.", nil
				}
				lines := make([]string, len(facts))
				for i, f := range facts {
					lines[i] = fmt.Sprintf("• %s: %s", f.Key, f.Value)
				}
				return strings.Join(lines, "\n"), nil
			},
		},
	}
}

// normalizeFactKey lowercases a key and joins words with underscores.
func normalizeFactKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(key)), "_")
}
