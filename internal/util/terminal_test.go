package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTerminalWidthNonTerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	defer f.Close()

	if IsTerminal(f) {
		t.Fatal("regular file reported as terminal")
	}
	if IsTerminal(nil) {
		t.Error("nil file reported as terminal")
	}
	if got := TerminalWidth(f); got != 80 {
		t.Errorf("TerminalWidth = %d, want 80", got)
	}
	if got := ProgressWidth(f); got != 26 {
		t.Errorf("ProgressWidth = %d, want 26", got)
	}
}
