package main

import (
	"strings"
	"testing"

	"pkt.systems/taskd/internal/version"
)

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	t.Setenv("TASKD_CONFIG", "")

	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandVersionFlagPrintsCurrentVersion(t *testing.T) {
	t.Setenv("TASKD_CONFIG", "")

	stdout, _, err := executeRootCommand(t, "version", "--version")
	if err != nil {
		t.Fatalf("version --version failed: %v", err)
	}
	if want := version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandSemverFlagPrintsCurrentSemver(t *testing.T) {
	t.Setenv("TASKD_CONFIG", "")

	stdout, _, err := executeRootCommand(t, "version", "--semver")
	if err != nil {
		t.Fatalf("version --semver failed: %v", err)
	}
	if want := version.Semver() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandFlagsAreMutuallyExclusive(t *testing.T) {
	t.Setenv("TASKD_CONFIG", "")

	_, _, err := executeRootCommand(t, "version", "--version", "--semver")
	if err == nil {
		t.Fatal("expected error when both --version and --semver are set")
	}
	if !strings.Contains(err.Error(), "none of the others can be") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRootVersionFlagIsUnknown(t *testing.T) {
	t.Setenv("TASKD_CONFIG", "")

	_, _, err := executeRootCommand(t, "--version")
	if err == nil {
		t.Fatal("expected unknown flag error for root --version")
	}
	if !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("unexpected error: %v", err)
	}
}
