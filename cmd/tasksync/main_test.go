package main

import (
	"bytes"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsHelpArg(t *testing.T) {
	for _, arg := range []string{"-h", "--help", "help", " HELP "} {
		if !isHelpArg(arg) {
			t.Errorf("isHelpArg(%q) = false", arg)
		}
	}
	if isHelpArg("serve") {
		t.Fatal("serve is not a help arg")
	}
}

func TestPrintServeUsage(t *testing.T) {
	var buf bytes.Buffer
	printServeUsage(&buf)
	if !strings.Contains(buf.String(), "usage: tasksync serve [--help]") {
		t.Fatalf("usage output missing serve usage: %q", buf.String())
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nTASKSYNC_TEST_A=from-file\nTASKSYNC_TEST_B=\"quoted\"\nnot a pair\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKSYNC_TEST_A", "from-env")
	t.Setenv("TASKSYNC_TEST_B", "")

	loadDotEnv(path)
	if got := os.Getenv("TASKSYNC_TEST_A"); got != "from-env" {
		t.Fatalf("existing value overridden: %q", got)
	}
	if got := os.Getenv("TASKSYNC_TEST_B"); got != "quoted" {
		t.Fatalf("expected unquoted value, got %q", got)
	}
}

func TestIsAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("expected second listen to fail")
	}
	if !isAddrInUse(err) {
		t.Fatalf("expected address in use, got %v", err)
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatal("unrelated error reported as address in use")
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := execCommandFunc
	t.Cleanup(func() { execCommandFunc = orig })

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("echo", "4242") }
	if hint := portOccupantHint("127.0.0.1:18790"); !strings.Contains(hint, "PID 4242") {
		t.Fatalf("expected pid in hint, got %q", hint)
	}

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("false") }
	if hint := portOccupantHint("127.0.0.1:18790"); !strings.Contains(hint, "Port 18790 is already in use") {
		t.Fatalf("unexpected fallback hint %q", hint)
	}

	if hint := portOccupantHint("garbage"); !strings.Contains(hint, "garbage") {
		t.Fatalf("unexpected hint for bad addr %q", hint)
	}
}
