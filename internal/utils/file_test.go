package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsImageFile(t *testing.T) {
	tests := map[string]bool{
		"photo.jpg":    true,
		"photo.JPEG":   true,
		"a/b/c.png":    true,
		"shot.webp":    true,
		"anim.gif":     false,
		"notes.txt":    false,
		"no_extension": false,
	}
	for name, want := range tests {
		if got := IsImageFile(name); got != want {
			t.Errorf("IsImageFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGenerateOutputFilename(t *testing.T) {
	tests := []struct {
		in, prefix, suffix, format, want string
	}{
		{"/src/photo.jpeg", "", "_vertical", "jpg", filepath.Join("out", "photo_vertical.jpg")},
		{"photo.png", "p_", "", "", filepath.Join("out", "p_photo.png")},
		{"noext", "", "", "", filepath.Join("out", "noext.jpg")},
		{"we:ird?.png", "", "_x", "webp", filepath.Join("out", "we_ird__x.webp")},
	}
	for _, tt := range tests {
		if got := GenerateOutputFilename(tt.in, "out", tt.prefix, tt.suffix, tt.format); got != tt.want {
			t.Errorf("GenerateOutputFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestListImageFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg", "skip.txt", filepath.Join("sub", "c.webp")} {
		path := filepath.Join(dir, name)
		if err := EnsureDir(filepath.Dir(path)); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := ListImageFiles(dir)
	if err != nil {
		t.Fatalf("ListImageFiles failed: %v", err)
	}
	want := []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.png"), filepath.Join(dir, "sub", "c.webp")}
	if len(files) != len(want) {
		t.Fatalf("Expected %v, got %v", want, files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, files[i], want[i])
		}
	}

	if !DirExists(dir) || DirExists(want[0]) {
		t.Error("DirExists misreports")
	}
	if !FileExists(want[0]) || FileExists(dir) || FileExists(filepath.Join(dir, "missing")) {
		t.Error("FileExists misreports")
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename(" ..a/b:c*d.. "); got != "a_b_c_d" {
		t.Errorf("SanitizeFilename = %q", got)
	}
}

func TestFormatFileSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range tests {
		if got := FormatFileSize(in); got != want {
			t.Errorf("FormatFileSize(%d) = %q, want %q", in, got, want)
		}
	}
}
