//
// usb-creator - Tool to turn bootable disk images into USB installation
//               media
//
// Copyright (c) 2024 vicrodh
//
package main

// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License version 3, as published
// by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranties of
// MERCHANTABILITY, SATISFACTORY QUALITY, or FITNESS FOR A PARTICULAR
// PURPOSE.  See the GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program.  If not, see <http://www.gnu.org/licenses/>.

import (
	"fmt"
	"os"
	"path/filepath"

	yaml "gopkg.in/yaml.v3"
)

// Config holds the persistent defaults; flags override it field by field.
type Config struct {
	HelperPath     string `yaml:"helper-path,omitempty"`
	DataFilesystem string `yaml:"data-filesystem,omitempty"`
	ClusterSize    string `yaml:"cluster-size,omitempty"`
	Bypass         string `yaml:"bypass,omitempty"`
}

func configPath() string {
	if globalArgs.Config != "" {
		return globalArgs.Config
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "usb-creator.yaml")
}

// loadConfig reads the config file if present. A missing file is not an
// error, a malformed one is.
func loadConfig() (*Config, error) {
	config := &Config{DataFilesystem: "ntfs"}

	path := configPath()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %s", path, err)
	}

	return config, nil
}
