package integrations

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ClaudeHooksFile is the .claude/hooks.json schema we manage.
type ClaudeHooksFile struct {
	Hooks ClaudeHooks `json:"hooks"`
}

type ClaudeHooks struct {
	PreBash *ClaudeHook `json:"pre_bash,omitempty"`
}

type ClaudeHook struct {
	Command  string            `json:"command"`
	Input    map[string]string `json:"input,omitempty"`
	OnBlock  *ClaudeOnBlock    `json:"on_block,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

type ClaudeOnBlock struct {
	Message string `json:"message"`
}

// DefaultClaudeHooks returns the pre_bash hook that gates every shell
// command through the approval daemon. The hook blocks until a human
// decides or the request times out; a non-zero exit blocks the command.
func DefaultClaudeHooks() ClaudeHooksFile {
	return ClaudeHooksFile{
		Hooks: ClaudeHooks{
			PreBash: &ClaudeHook{
				Command: `cmdward request --agent claude-code -- ${COMMAND}`,
				Input: map[string]string{
					"command": "${COMMAND}",
				},
				OnBlock: &ClaudeOnBlock{
					Message: `This command was denied or timed out. Ask a human to run: cmdward pending`,
				},
			},
		},
	}
}

// MarshalClaudeHooks pretty-prints the hooks file as JSON.
func MarshalClaudeHooks(h ClaudeHooksFile) ([]byte, error) {
	return json.MarshalIndent(h, "", "  ")
}

// InstallClaudeHooks writes (or merges) `.claude/hooks.json` under projectPath.
func InstallClaudeHooks(projectPath string, merge bool) (path string, merged bool, err error) {
	dir := filepath.Join(projectPath, ".claude")
	path = filepath.Join(dir, "hooks.json")

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", false, fmt.Errorf("creating .claude directory: %w", err)
	}

	desired := DefaultClaudeHooks()

	if !merge {
		data, err := MarshalClaudeHooks(desired)
		if err != nil {
			return "", false, err
		}
		if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
			return "", false, fmt.Errorf("writing hooks.json: %w", err)
		}
		return path, false, nil
	}

	existingData, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data, err := MarshalClaudeHooks(desired)
			if err != nil {
				return "", false, err
			}
			if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
				return "", false, fmt.Errorf("writing hooks.json: %w", err)
			}
			return path, false, nil
		}
		return "", false, fmt.Errorf("reading existing hooks.json: %w", err)
	}

	var root map[string]any
	if err := json.Unmarshal(existingData, &root); err != nil {
		return "", false, fmt.Errorf("parsing existing hooks.json: %w", err)
	}

	hooks, _ := root["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
		root["hooks"] = hooks
	}

	// Replace only the pre_bash hook we manage; preserve every other key.
	desiredPreBash := map[string]any{}
	if desired.Hooks.PreBash != nil {
		b, _ := json.Marshal(desired.Hooks.PreBash)
		_ = json.Unmarshal(b, &desiredPreBash)
	}
	hooks["pre_bash"] = desiredPreBash

	out, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return "", false, fmt.Errorf("marshaling merged hooks.json: %w", err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0644); err != nil {
		return "", false, fmt.Errorf("writing merged hooks.json: %w", err)
	}

	return path, true, nil
}
