package integrations

import "strings"

const (
	cursorRulesStartMarker = "<!-- cmdward:cursor-rules:start -->"
	cursorRulesEndMarker   = "<!-- cmdward:cursor-rules:end -->"
)

// CursorRulesSection returns the cmdward section for a Cursor `.cursorrules`
// file. It is wrapped in markers so it can be replaced safely.
func CursorRulesSection() string {
	const tick = "`"

	var b strings.Builder
	b.WriteString(cursorRulesStartMarker)
	b.WriteString("\n\n")
	b.WriteString("## Dangerous Command Policy (cmdward)\n\n")
	b.WriteString("Before running any command that might be destructive, you MUST get approval through cmdward:\n\n")

	b.WriteString("1. Submit the command and wait for a decision:\n   ")
	b.WriteString(tick)
	b.WriteString(`cmdward request --agent cursor -- <command>`)
	b.WriteString(tick)
	b.WriteString("\n\n")

	b.WriteString("2. The exit code tells you the decision: 0 means allowed, 1 means denied or timed out.\n\n")

	b.WriteString("3. Execute the command yourself only after an allowed decision, e.g.:\n   ")
	b.WriteString(tick)
	b.WriteString(`cmdward request --agent cursor -- rm -rf ./build && rm -rf ./build`)
	b.WriteString(tick)
	b.WriteString("\n\n")

	b.WriteString("### Decisions\n")
	b.WriteString("- allow-once: the command may run this one time\n")
	b.WriteString("- allow-always: the command's executable is added to your allowlist\n")
	b.WriteString("- deny: do not run the command; a timeout counts as deny\n\n")

	b.WriteString("### Quick Reference\n")
	b.WriteString("- Check what is waiting: ")
	b.WriteString(tick)
	b.WriteString("cmdward pending")
	b.WriteString(tick)
	b.WriteString("\n")
	b.WriteString("- Humans resolve with: ")
	b.WriteString(tick)
	b.WriteString("cmdward resolve <id> <decision>")
	b.WriteString(tick)
	b.WriteString("\n\n")

	b.WriteString("Never bypass cmdward for dangerous commands. The point is human review.\n\n")
	b.WriteString(cursorRulesEndMarker)
	b.WriteString("\n")

	return b.String()
}

// CursorRulesMode determines how the section is applied to an existing `.cursorrules`.
type CursorRulesMode int

const (
	// CursorRulesAppend appends the section only if it's missing.
	CursorRulesAppend CursorRulesMode = iota
	// CursorRulesReplace replaces the existing section if present; otherwise appends it.
	CursorRulesReplace
)

// ApplyCursorRules upserts the cmdward rules section into an existing
// `.cursorrules` content. It returns the new content and whether it changed.
func ApplyCursorRules(existing string, mode CursorRulesMode) (string, bool) {
	section := CursorRulesSection()

	if strings.TrimSpace(existing) == "" {
		return section, true
	}

	start := strings.Index(existing, cursorRulesStartMarker)
	end := strings.Index(existing, cursorRulesEndMarker)

	if start != -1 && end != -1 && end > start {
		if mode == CursorRulesAppend {
			return existing, false
		}

		end += len(cursorRulesEndMarker)
		after := existing[end:]
		if strings.HasPrefix(after, "\n") {
			after = after[1:]
		}

		return existing[:start] + section + after, true
	}

	// No existing section found, append.
	out := existing
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	if !strings.HasSuffix(out, "\n\n") {
		out += "\n"
	}
	out += section
	return out, true
}
