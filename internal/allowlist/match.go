package allowlist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattn/go-shellwords"
)

// DefaultSafeBins are binaries allowed without an allowlist entry when used
// stdin-only (no file path arguments).
var DefaultSafeBins = []string{"jq", "grep", "cut", "sort", "uniq", "head", "tail", "tr", "wc"}

// Resolution is a resolved executable for one pipeline segment.
type Resolution struct {
	// Raw is the executable token as written.
	Raw string
	// Path is the resolved absolute path, empty if not found.
	Path string
	// Name is the executable base name.
	Name string
}

// Segment is one parsed pipeline segment.
type Segment struct {
	Raw        string
	Argv       []string
	Resolution *Resolution
}

// Analysis is the result of parsing a shell command for policy evaluation.
// A command that cannot be analyzed conservatively requires approval.
type Analysis struct {
	OK       bool
	Reason   string
	Segments []Segment
}

// Analyze splits command into pipeline segments and resolves each segment's
// executable. Shell constructs beyond simple pipes (&&, ;, redirects,
// subshells) are rejected: they defeat per-executable matching.
func Analyze(command, cwd string) *Analysis {
	if strings.TrimSpace(command) == "" {
		return &Analysis{Reason: "empty command"}
	}

	segments, err := splitPipeline(command)
	if err != nil {
		return &Analysis{Reason: err.Error()}
	}

	result := &Analysis{OK: true}
	for _, seg := range segments {
		argv, err := shellwords.Parse(seg)
		if err != nil {
			return &Analysis{Reason: fmt.Sprintf("parsing %q: %v", seg, err)}
		}
		if len(argv) == 0 {
			return &Analysis{Reason: "empty pipeline segment"}
		}
		result.Segments = append(result.Segments, Segment{
			Raw:        seg,
			Argv:       argv,
			Resolution: resolveExecutable(argv[0], cwd),
		})
	}
	return result
}

// splitPipeline splits on single pipes, rejecting other shell control tokens.
func splitPipeline(command string) ([]string, error) {
	var segments []string
	var current strings.Builder
	inSingle, inDouble, escaped := false, false, false

	for i := 0; i < len(command); i++ {
		ch := command[i]

		if escaped {
			current.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' && !inSingle {
			escaped = true
			current.WriteByte(ch)
			continue
		}
		if ch == '\'' && !inDouble {
			inSingle = !inSingle
			current.WriteByte(ch)
			continue
		}
		if ch == '"' && !inSingle {
			inDouble = !inDouble
			current.WriteByte(ch)
			continue
		}

		if !inSingle && !inDouble {
			switch ch {
			case '|':
				if i+1 < len(command) && (command[i+1] == '|' || command[i+1] == '&') {
					return nil, fmt.Errorf("unsupported shell token: %c%c", ch, command[i+1])
				}
				if seg := strings.TrimSpace(current.String()); seg != "" {
					segments = append(segments, seg)
				}
				current.Reset()
				continue
			case '&', ';', '>', '<', '`', '\n', '(', ')':
				return nil, fmt.Errorf("unsupported shell token: %c", ch)
			case '$':
				if i+1 < len(command) && command[i+1] == '(' {
					return nil, errors.New("unsupported shell token: $()")
				}
			}
		}

		current.WriteByte(ch)
	}

	if escaped || inSingle || inDouble {
		return nil, errors.New("unterminated quote or escape")
	}
	if seg := strings.TrimSpace(current.String()); seg != "" {
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return nil, errors.New("empty command")
	}
	return segments, nil
}

// resolveExecutable locates the executable for a command token, either
// relative to cwd or on PATH.
func resolveExecutable(token, cwd string) *Resolution {
	if token == "" {
		return nil
	}

	expanded := ExpandHome(token)
	if strings.Contains(expanded, "/") {
		resolved := expanded
		if !filepath.IsAbs(resolved) {
			base := cwd
			if base == "" {
				base, _ = os.Getwd()
			}
			resolved = filepath.Join(base, resolved)
		}
		if isExecutable(resolved) {
			return &Resolution{Raw: token, Path: resolved, Name: filepath.Base(resolved)}
		}
		return &Resolution{Raw: token, Name: filepath.Base(expanded)}
	}

	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		candidate := filepath.Join(dir, expanded)
		if isExecutable(candidate) {
			return &Resolution{Raw: token, Path: candidate, Name: expanded}
		}
	}
	return &Resolution{Raw: token, Name: expanded}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Match returns the first entry whose pattern matches the resolution's
// resolved path. Patterns without a path separator never match: an entry
// like "rm" must not cover every rm on PATH by accident.
func Match(entries []Entry, res *Resolution) *Entry {
	if res == nil || res.Path == "" {
		return nil
	}
	for i := range entries {
		pattern := strings.TrimSpace(entries[i].Pattern)
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "/") && !strings.Contains(pattern, "~") {
			continue
		}
		if matchGlob(pattern, res.Path) {
			return &entries[i]
		}
	}
	return nil
}

func matchGlob(pattern, target string) bool {
	re := globToRegexp(strings.ToLower(ExpandHome(pattern)))
	return re.MatchString(strings.ToLower(target))
}

// globToRegexp compiles a glob where * matches within a path component and
// ** crosses components.
func globToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString(".")
		case '.', '+', '^', '$', '{', '}', '(', ')', '[', ']', '|', '\\':
			b.WriteString("\\")
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		// Unreachable with the escaping above, but fail closed.
		return regexp.MustCompile(`^\z.`)
	}
	return re
}

// IsSafeBinUsage reports whether a segment uses a safe binary with stdin
// only: no positional or flag-value arguments that look like file paths.
func IsSafeBinUsage(seg Segment, safeBins map[string]bool, cwd string) bool {
	if len(safeBins) == 0 || seg.Resolution == nil || seg.Resolution.Path == "" {
		return false
	}
	if !safeBins[strings.ToLower(seg.Resolution.Name)] {
		return false
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	for _, arg := range seg.Argv[1:] {
		if arg == "-" {
			continue
		}
		if strings.HasPrefix(arg, "-") {
			if idx := strings.Index(arg, "="); idx > 0 {
				value := arg[idx+1:]
				if looksLikePath(value) || fileExists(filepath.Join(cwd, value)) {
					return false
				}
			}
			continue
		}
		if looksLikePath(arg) || fileExists(filepath.Join(cwd, arg)) {
			return false
		}
	}
	return true
}

func looksLikePath(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return false
	}
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") ||
		strings.HasPrefix(s, "../") || strings.HasPrefix(s, "~")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SafeBinSet normalizes a safe-bin list into a lookup set.
func SafeBinSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = true
		}
	}
	return set
}

// Evaluation is the outcome of checking an analysis against an allowlist.
type Evaluation struct {
	// Satisfied is true when every segment is covered.
	Satisfied bool
	// Matches are the entries that covered segments.
	Matches []*Entry
}

// Evaluate checks every segment of the analysis against the allowlist and
// safe-bin set. All segments must be covered for the command to pass.
func Evaluate(analysis *Analysis, entries []Entry, safeBins map[string]bool, cwd string) *Evaluation {
	ev := &Evaluation{}
	if analysis == nil || !analysis.OK || len(analysis.Segments) == 0 {
		return ev
	}
	for _, seg := range analysis.Segments {
		if entry := Match(entries, seg.Resolution); entry != nil {
			ev.Matches = append(ev.Matches, entry)
			continue
		}
		if IsSafeBinUsage(seg, safeBins, cwd) {
			continue
		}
		return ev
	}
	ev.Satisfied = true
	return ev
}

// RequiresApproval decides whether a command must go to a human, given the
// agent's ask policy and security mode and the allowlist evaluation.
func RequiresApproval(ask Ask, security Security, analysisOK, satisfied bool) bool {
	if ask == AskAlways {
		return true
	}
	if ask == AskOnMiss && security == SecurityAllowlist {
		return !analysisOK || !satisfied
	}
	return false
}
