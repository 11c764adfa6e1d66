package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIntegrateClaude(t *testing.T) {
	project := t.TempDir()

	out, err := runCLI(t, "integrate", "claude", "--project", project)
	if err != nil {
		t.Fatalf("integrate claude failed: %v\n%s", err, out)
	}

	data, err := os.ReadFile(filepath.Join(project, ".claude", "hooks.json"))
	if err != nil {
		t.Fatalf("hooks.json not written: %v", err)
	}
	if !strings.Contains(string(data), "cmdward request") {
		t.Errorf("hooks.json missing cmdward command:\n%s", data)
	}
}

func TestIntegrateCursor(t *testing.T) {
	project := t.TempDir()
	rulesPath := filepath.Join(project, ".cursorrules")
	if err := os.WriteFile(rulesPath, []byte("# house rules\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "integrate", "cursor", "--project", project)
	if err != nil {
		t.Fatalf("integrate cursor failed: %v\n%s", err, out)
	}

	data, err := os.ReadFile(rulesPath)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "# house rules") {
		t.Error("existing rules dropped")
	}
	if !strings.Contains(content, "cmdward request --agent cursor") {
		t.Errorf("rules missing cmdward section:\n%s", content)
	}

	// Second run is a no-op.
	out, err = runCLI(t, "integrate", "cursor", "--project", project)
	if err != nil {
		t.Fatalf("second integrate cursor failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "already up to date") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
