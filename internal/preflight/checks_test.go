package preflight_test

import (
	"path/filepath"
	"testing"

	"assay/internal/preflight"
	"assay/internal/testsupport"
)

func TestRunAllPassesOnFreshConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	results := preflight.RunAll(cfg)
	if len(results) == 0 {
		t.Fatal("expected preflight results")
	}
	if !preflight.AllPassed(results) {
		t.Fatalf("expected all checks to pass: %+v", results)
	}
}

func TestCheckDirectoryAccessMissing(t *testing.T) {
	result := preflight.CheckDirectoryAccess("Data directory", filepath.Join(t.TempDir(), "missing"))
	if result.Passed {
		t.Fatal("missing directory must fail")
	}
}

func TestCheckWorkerCommand(t *testing.T) {
	if result := preflight.CheckWorkerCommand(""); !result.Passed {
		t.Fatalf("empty command means the current binary and must pass: %+v", result)
	}
	if result := preflight.CheckWorkerCommand("sh -c"); !result.Passed {
		t.Fatalf("resolvable command must pass: %+v", result)
	}
	if result := preflight.CheckWorkerCommand("definitely-not-a-binary-xyz"); result.Passed {
		t.Fatal("unresolvable command must fail")
	}
}

func TestAllPassed(t *testing.T) {
	passing := []preflight.Result{{Name: "a", Passed: true}}
	if !preflight.AllPassed(passing) {
		t.Fatal("expected AllPassed true")
	}
	mixed := append(passing, preflight.Result{Name: "b"})
	if preflight.AllPassed(mixed) {
		t.Fatal("expected AllPassed false")
	}
	if !preflight.AllPassed(nil) {
		t.Fatal("empty results pass vacuously")
	}
}
