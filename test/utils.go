package test

import (
	"os"
	"path"
)

var (
	// TestGids - gids in the <timestamp>-<gxid> form.
	TestGids []string = []string{"100-0000000001", "100-0000000002", "100-0000000003", "100-0000000004", "100-0000000005"}

	// TestForeignGids - gids which were not produced by a coordinator.
	TestForeignGids []string = []string{"T1_prepared", "orphan", "100"}
)

// TestDirectory returns a per package scratch directory under the system temp dir.
func TestDirectory(name string) string {
	return path.Join(os.TempDir(), "icecanedtm", name)
}

// CreateTestDirectory creates a test directory for running tests.
func CreateTestDirectory(testDirectory string) {
	os.MkdirAll(testDirectory, os.ModePerm)
}

// CleanupTestDirectory cleans up the test directory.
func CleanupTestDirectory(testDirectory string) error {
	dir, err := os.ReadDir(testDirectory)
	if err != nil {
		return err
	}
	for _, d := range dir {
		os.RemoveAll(path.Join([]string{testDirectory, d.Name()}...))
	}
	return nil
}
