// Package engine mediates hook events: it classifies each invocation, pairs
// INPUT events with their eventual OUTPUT across processes, applies policy
// verdicts, and emits the host-facing decision.
package engine

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"moat/pkg/protocol"
)

// Classifier maps tool names to event classes by case-insensitive substring
// match. Skip patterns exclude this mediator's own tooling from monitoring.
type Classifier struct {
	Memory   []string `yaml:"memory_patterns"`
	Subagent []string `yaml:"subagent_patterns"`
	Skip     []string `yaml:"skip_patterns"`
}

// DefaultClassifier returns the built-in pattern tables.
func DefaultClassifier() Classifier {
	return Classifier{
		Memory:   []string{"memory", "store", "save", "remember", "retrieve"},
		Subagent: []string{"task", "agent", "subagent"},
		Skip:     []string{"moat"},
	}
}

// LoadClassifier overlays rules from a YAML file onto the defaults. A missing
// file returns the defaults; a malformed file returns the defaults and an
// error for the caller to log.
func LoadClassifier(path string) (Classifier, error) {
	c := DefaultClassifier()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("read rules %s: %w", path, err)
	}
	var loaded Classifier
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return c, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(loaded.Memory) > 0 {
		c.Memory = loaded.Memory
	}
	if len(loaded.Subagent) > 0 {
		c.Subagent = loaded.Subagent
	}
	if len(loaded.Skip) > 0 {
		c.Skip = loaded.Skip
	}
	return c, nil
}

// ClassifyTool maps a tool name to its event class. The second return is
// false when the tool is excluded from monitoring. Classification is
// deterministic: skip patterns, then the exact agent-dispatch tool, then
// memory patterns, then subagent patterns, then the general tool class.
func (c Classifier) ClassifyTool(toolName string) (protocol.EventClass, bool) {
	low := strings.ToLower(toolName)
	for _, pat := range c.Skip {
		if strings.Contains(low, pat) {
			return "", false
		}
	}
	if toolName == "Task" {
		return protocol.ClassAgentAgent, true
	}
	for _, pat := range c.Memory {
		if strings.Contains(low, pat) {
			return protocol.ClassAgentMemory, true
		}
	}
	for _, pat := range c.Subagent {
		if strings.Contains(low, pat) {
			return protocol.ClassAgentAgent, true
		}
	}
	return protocol.ClassAgentTool, true
}
