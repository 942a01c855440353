package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetFileExtension(t *testing.T) {
	cases := map[string]string{
		"cat.JPG":           "jpg",
		"/tmp/dog.webp":     "webp",
		"noext":             "",
		"archive.tar.gz":    "gz",
		"dir.d/picture.png": "png",
	}
	for in, want := range cases {
		if got := GetFileExtension(in); got != want {
			t.Errorf("GetFileExtension(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsSupportedOutput(t *testing.T) {
	for _, name := range []string{"a.png", "a.jpg", "a.JPEG", "a.webp"} {
		if !IsSupportedOutput(name) {
			t.Errorf("%s should be a supported output", name)
		}
	}
	for _, name := range []string{"a.gif", "a.bmp", "a"} {
		if IsSupportedOutput(name) {
			t.Errorf("%s should not be a supported output", name)
		}
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.txt")
	if FileExists(path) {
		t.Error("File should not exist yet")
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !FileExists(path) {
		t.Error("File should exist")
	}
	if FileExists(dir) {
		t.Error("Directory should not count as a file")
	}
}

func TestEnsureParentDir(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "out.png")
	if err := EnsureParentDir(target); err != nil {
		t.Fatalf("EnsureParentDir failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "a", "b"))
	if err != nil || !info.IsDir() {
		t.Errorf("Expected directory to be created: %v", err)
	}
}

func TestFormatFileSize(t *testing.T) {
	if got := FormatFileSize(512); got != "512 B" {
		t.Errorf("Unexpected %q", got)
	}
	if got := FormatFileSize(2048); got != "2.0 KB" {
		t.Errorf("Unexpected %q", got)
	}
	if got := FormatFileSize(5 * 1024 * 1024); got != "5.0 MB" {
		t.Errorf("Unexpected %q", got)
	}
}
