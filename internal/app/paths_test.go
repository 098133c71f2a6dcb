package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_UsesUserConfigDirectory(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("XDG_CONFIG_HOME", configHome)

	paths, err := ResolvePaths("")
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if paths.RootDir != filepath.Join(configHome, Name) {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if paths.ConfigFile != filepath.Join(configHome, Name, ConfigFilename) {
		t.Fatalf("unexpected config file: %q", paths.ConfigFile)
	}
	if _, err := os.Stat(paths.RootDir); err != nil {
		t.Fatalf("expected root directory to exist: %v", err)
	}
}

func TestResolvePaths_ExplicitConfigFile(t *testing.T) {
	dir := t.TempDir()
	paths, err := ResolvePaths(filepath.Join(dir, "robot.json"))
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	if paths.RootDir != dir {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if paths.LogFile != filepath.Join(dir, LogFilename) {
		t.Fatalf("unexpected log file: %q", paths.LogFile)
	}
}
