// Package integrations wires agent tooling to the approval gate. Each
// integration teaches one agent framework to route dangerous commands
// through cmdward before executing them.
package integrations

import "os"

// AgentType identifies a supported agent framework.
type AgentType string

const (
	AgentClaudeCode AgentType = "claude-code"
	AgentCursor     AgentType = "cursor"
	AgentAider      AgentType = "aider"
	AgentCustom     AgentType = "custom"
)

// DetectAgent guesses the calling agent framework from the environment.
// Returns AgentCustom when nothing recognizable is set.
func DetectAgent() AgentType {
	switch {
	case os.Getenv("CLAUDECODE") != "" || os.Getenv("CLAUDE_CODE_ENTRYPOINT") != "":
		return AgentClaudeCode
	case os.Getenv("CURSOR_TRACE_ID") != "":
		return AgentCursor
	case os.Getenv("AIDER_MODEL") != "":
		return AgentAider
	default:
		return AgentCustom
	}
}
