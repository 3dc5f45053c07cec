// Package chaostoolkit prepares the files and arguments the chaostoolkit
// command-line runner expects for an unattended run against the hub.
package chaostoolkit

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/chaoshub/internal/scheduler"
)

const (
	DefaultCLIPath   = "chaos"
	SettingsFilename = "settings.yaml"
	ExperimentFile   = "experiment.json"
)

// Settings mirrors the subset of the chaostoolkit settings file used to reach
// the hub: a bearer token for the hub host and the chaoshub control.
type Settings struct {
	Auths    map[string]Auth    `yaml:"auths"`
	Controls map[string]Control `yaml:"controls"`
}

type Auth struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

type Control struct {
	Provider Provider `yaml:"provider"`
}

type Provider struct {
	Type      string         `yaml:"type"`
	Module    string         `yaml:"module"`
	Arguments map[string]any `yaml:"arguments,omitempty"`
}

// HubSettings builds the settings that authenticate the runner against hubURL.
func HubSettings(hubURL, token string) (Settings, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return Settings{}, fmt.Errorf("parse hub url: %w", err)
	}
	if u.Host == "" {
		return Settings{}, fmt.Errorf("hub url %q has no host", hubURL)
	}

	return Settings{
		Auths: map[string]Auth{
			u.Host: {Type: "bearer", Value: token},
		},
		Controls: map[string]Control{
			"chaoshub": {
				Provider: Provider{
					Type:   "python",
					Module: "chaoshub.control",
					Arguments: map[string]any{
						"url":        hubURL,
						"verify_tls": u.Scheme == "https",
					},
				},
			},
		},
	}, nil
}

// RunFiles are the paths written for one run.
type RunFiles struct {
	Dir        string
	Settings   string
	Experiment string
}

// WriteRunFiles serialises the hub settings and the experiment payload into
// dir, which must exist. Files are created with owner-only permissions since
// the settings carry an access token.
func WriteRunFiles(dir string, ec scheduler.ExecutionContext) (RunFiles, error) {
	rf := RunFiles{
		Dir:        dir,
		Settings:   filepath.Join(dir, SettingsFilename),
		Experiment: filepath.Join(dir, ExperimentFile),
	}

	settings, err := HubSettings(ec.HubURL, ec.Token)
	if err != nil {
		return rf, err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return rf, fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(rf.Settings, data, 0600); err != nil {
		return rf, fmt.Errorf("write settings: %w", err)
	}

	payload, err := json.MarshalIndent(ec.Experiment.Payload, "", "  ")
	if err != nil {
		return rf, fmt.Errorf("marshal experiment: %w", err)
	}
	if err := os.WriteFile(rf.Experiment, payload, 0600); err != nil {
		return rf, fmt.Errorf("write experiment: %w", err)
	}

	return rf, nil
}

// RunArgs returns the runner arguments (without the binary itself).
func RunArgs(settingsPath, org, workspace, experimentPath string) []string {
	return []string{
		"--settings", settingsPath,
		"run",
		"--org", org,
		"--workspace", workspace,
		experimentPath,
	}
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
