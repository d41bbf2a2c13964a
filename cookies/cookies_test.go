package cookies

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newJar(t *testing.T) *Jar {
	t.Helper()
	j, err := NewJar(filepath.Join(t.TempDir(), "jar", "cookies.txt"))
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestSaveAndPath(t *testing.T) {
	j := newJar(t)

	if _, ok := j.Path(); ok {
		t.Fatal("Expected no cookie file before Save")
	}

	if err := j.Save(strings.NewReader("# Netscape HTTP Cookie File\n")); err != nil {
		t.Fatal(err)
	}

	path, ok := j.Path()
	if !ok {
		t.Fatal("Expected a cookie file after Save")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# Netscape") {
		t.Errorf("Unexpected jar contents: %q", data)
	}
}

func TestSaveReplaces(t *testing.T) {
	j := newJar(t)

	if err := j.Save(strings.NewReader("first")); err != nil {
		t.Fatal(err)
	}
	if err := j.Save(strings.NewReader("second")); err != nil {
		t.Fatal(err)
	}

	path, _ := j.Path()
	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("Expected replacement contents, got %q", data)
	}
}

func TestDelete(t *testing.T) {
	j := newJar(t)

	if err := j.Save(strings.NewReader("cookies")); err != nil {
		t.Fatal(err)
	}
	if err := j.Delete(); err != nil {
		t.Fatal(err)
	}
	if _, ok := j.Path(); ok {
		t.Error("Expected jar to be gone")
	}

	// Deleting again must not error.
	if err := j.Delete(); err != nil {
		t.Fatal(err)
	}
}

func TestStatus(t *testing.T) {
	j := newJar(t)

	if st := j.Status(); st.Exists {
		t.Error("Expected Exists=false for a missing jar")
	}

	if err := j.Save(strings.NewReader("12345")); err != nil {
		t.Fatal(err)
	}
	st := j.Status()
	if !st.Exists || st.Size != 5 || st.Modified.IsZero() {
		t.Errorf("Unexpected status: %+v", st)
	}
}

func TestNewJarEmptyPath(t *testing.T) {
	if _, err := NewJar(""); err == nil {
		t.Error("Expected an error for an empty path")
	}
}
