package main

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// userConfigDir is like os.UserConfigDir, but honours $XDG_CONFIG_HOME
// on every Unix system, not only on Linux.
func userConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows", "darwin", "ios", "plan9":
		return os.UserConfigDir()
	default:
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			return dir, nil
		}

		home := os.Getenv("HOME")
		if home == "" {
			return "", errors.New("neither $XDG_CONFIG_HOME nor $HOME are defined")
		}

		return filepath.Join(home, ".config"), nil
	}
}

func defaultConfigDir() string {
	dir, err := userConfigDir()
	if err != nil {
		return "."
	}

	return filepath.Join(dir, "go-dzdecrypt")
}
