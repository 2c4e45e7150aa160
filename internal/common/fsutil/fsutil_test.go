package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	if got, err := ExpandHome("/tmp"); err != nil || got != "/tmp" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if got, err := ExpandHome("~"); err != nil || got != home {
		t.Fatalf("expected %q, got %q err=%v", home, got, err)
	}
	if got, err := ExpandHome("~/weights"); err != nil || got != filepath.Join(home, "weights") {
		t.Fatalf("unexpected expansion %q err=%v", got, err)
	}
}

func TestResolve(t *testing.T) {
	base := t.TempDir()
	if got, _ := Resolve(base, "ResNet50/backbone.onnx"); got != filepath.Join(base, "ResNet50", "backbone.onnx") {
		t.Fatalf("relative path not joined: %q", got)
	}
	abs := filepath.Join(base, "x.msgpack")
	if got, _ := Resolve("/elsewhere", abs); got != abs {
		t.Fatalf("absolute path rewritten: %q", got)
	}
	if got, _ := Resolve(base, ""); got != "" {
		t.Fatalf("empty path should stay empty, got %q", got)
	}
}

func TestIsFileAndPathExists(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "ckpt.msgpack")
	if err := os.WriteFile(f, []byte{0x80}, 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsFile(f) || !PathExists(f) {
		t.Fatalf("expected %s to be a file", f)
	}
	if IsFile(dir) {
		t.Fatalf("directory reported as file")
	}
	if PathExists(filepath.Join(dir, "missing")) {
		t.Fatalf("missing path reported as existing")
	}
}
