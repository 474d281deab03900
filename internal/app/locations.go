package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Locations are the two paths needed before any config is read. Everything
// else (signature dir, database, index, logs) defaults to a spot under Home.
type Locations struct {
	ConfigPath string
	Home       string
}

// DefaultLocations honours MINHASH_CONFIG_PATH and MINHASH_HOME, falling
// back to ~/.config/minhash.toml and ~/.local/share/minhash.
func DefaultLocations() (Locations, error) {
	loc := Locations{
		ConfigPath: os.Getenv("MINHASH_CONFIG_PATH"),
		Home:       os.Getenv("MINHASH_HOME"),
	}
	if loc.ConfigPath != "" && loc.Home != "" {
		return loc, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Locations{}, fmt.Errorf("cannot determine home directory: %w", err)
	}
	if loc.ConfigPath == "" {
		loc.ConfigPath = filepath.Join(home, ".config", "minhash.toml")
	}
	if loc.Home == "" {
		loc.Home = filepath.Join(home, ".local", "share", "minhash")
	}
	return loc, nil
}
