package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths stores resolved runtime file locations for user config and logs.
type Paths struct {
	RootDir    string
	ConfigFile string
	LogFile    string
}

// ResolvePaths uses the user config dir unless configFile points elsewhere;
// in that case logs live next to the given config file.
func ResolvePaths(configFile string) (Paths, error) {
	if configFile != "" {
		abs, err := filepath.Abs(configFile)
		if err != nil {
			return Paths{}, fmt.Errorf("resolve config path: %w", err)
		}
		root := filepath.Dir(abs)

		return Paths{
			RootDir:    root,
			ConfigFile: abs,
			LogFile:    filepath.Join(root, LogFilename),
		}, nil
	}

	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve config dir: %w", err)
	}
	root := filepath.Join(cfgRoot, Name)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app config dir: %w", err)
	}

	return Paths{
		RootDir:    root,
		ConfigFile: filepath.Join(root, ConfigFilename),
		LogFile:    filepath.Join(root, "logs", LogFilename),
	}, nil
}
