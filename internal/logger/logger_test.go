package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf)
	defer Setup(os.Stderr)
	defer SetLevelFromString("INFO")

	SetLevelFromString("WARN")
	buf.Reset()
	Info("hidden %d", 1)
	Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden 1") {
		t.Fatalf("info line written at WARN level: %q", out)
	}
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "shown 2") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestSetLevelFromString(t *testing.T) {
	defer SetLevelFromString("INFO")
	for i, tcase := range []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"ERROR", "ERROR"},
		{"bogus", "ERROR"},
		{" Info ", "INFO"},
	} {
		SetLevelFromString(tcase.in)
		if got := Level(); got != tcase.want {
			t.Fatalf("test case %d: level %q, want %q", i, got, tcase.want)
		}
	}
}

func TestOpenFileRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	if err := os.WriteFile(path, []byte("previous session\n"), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.Close()

	old, err := os.ReadFile(path + ".old")
	if err != nil {
		t.Fatalf("old log missing: %v", err)
	}
	if string(old) != "previous session\n" {
		t.Fatalf("old log content %q", old)
	}
	cur, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(cur), "Log session started") {
		t.Fatalf("session banner missing: %q", cur)
	}
}
