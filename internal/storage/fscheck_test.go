package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func staticDetector(fsType string) func(string) (string, error) {
	return func(string) (string, error) { return fsType, nil }
}

func TestValidateFilesystemAcceptsLocal(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "molt.db")
	for _, fs := range []string{"apfs", "ext4", "0x9123683e"} {
		if err := validateSQLiteFilesystemWithDetector(dbPath, staticDetector(fs)); err != nil {
			t.Fatalf("local filesystem %q rejected: %v", fs, err)
		}
	}
}

func TestValidateFilesystemRejectsNetwork(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "molt.db")
	err := validateSQLiteFilesystemWithDetector(dbPath, staticDetector("smbfs"))
	if err == nil {
		t.Fatal("expected network filesystem validation error")
	}

	msg := err.Error()
	for _, want := range []string{"smbfs", "SQLite requires a local filesystem", "--db /path/to/local/file.db"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to contain %q, got %q", want, msg)
		}
	}
}

func TestValidateFilesystemPropagatesDetectorError(t *testing.T) {
	t.Parallel()

	probeErr := errors.New("statfs exploded")
	err := validateSQLiteFilesystemWithDetector(
		filepath.Join(t.TempDir(), "molt.db"),
		func(string) (string, error) { return "", probeErr },
	)
	if !errors.Is(err, probeErr) {
		t.Fatalf("expected detector error to propagate, got %v", err)
	}
}

func TestValidateFilesystemProbesClosestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "molt.db")

	var probed string
	err := validateSQLiteFilesystemWithDetector(dbPath, func(path string) (string, error) {
		probed = path
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
	if probed != root {
		t.Fatalf("expected detector to probe nearest existing path %q, got %q", root, probed)
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fs   string
		want bool
	}{
		{"nfs", true},
		{"SMBFS", true},
		{" cifs ", true},
		{"apfs", false},
		{"0x6969", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isNetworkFilesystem(tc.fs); got != tc.want {
			t.Errorf("isNetworkFilesystem(%q) = %v, want %v", tc.fs, got, tc.want)
		}
	}
}
