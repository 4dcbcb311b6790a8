// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bodaay/ggufpull/pkg/snapshot"
)

const configBaseName = "ggufpull"

// configExts are tried in order when --config is not given.
var configExts = []string{".json", ".yaml", ".yml", ".toml"}

// DefaultConfig returns the default configuration. Keys mirror flag names.
func DefaultConfig() map[string]any {
	d := snapshot.DefaultSettings()
	return map[string]any{
		"out-dir":             "",
		"pattern":             []string{"*.gguf"},
		"exclude":             []string{},
		"token":               "",
		"endpoint":            snapshot.DefaultEndpoint,
		"merge-shards":        false,
		"merge-tool":          "",
		"connections":         d.Concurrency,
		"max-active":          d.MaxActiveDownloads,
		"multipart-threshold": d.MultipartThreshold,
		"verify":              d.Verify,
		"retries":             d.Retries,
		"backoff-initial":     d.BackoffInitial,
		"backoff-max":         d.BackoffMax,
	}
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find home directory: %w", err)
	}
	return filepath.Join(home, ".config"), nil
}

// findConfig returns explicit, or the first existing default config file,
// or "" when there is none.
func findConfig(explicit string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := configDir()
	if err != nil {
		return ""
	}
	for _, ext := range configExts {
		p := filepath.Join(dir, configBaseName+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadConfig decodes a config file by extension. Unknown extensions are
// read as JSON.
func loadConfig(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML config file %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid TOML config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

// applyConfig sets every flag of cmd that the user did not pass from the
// config file. Keys listed in deferred are returned instead of applied,
// because an environment variable outranks them.
func applyConfig(cmd *cobra.Command, ro *RootOpts, deferred ...string) (map[string]string, error) {
	path := findConfig(ro.Config)
	if path == "" {
		return nil, nil
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	ro.log.Debug("loaded config", zap.String("path", path), zap.Int("keys", len(cfg)))

	held := map[string]string{}
	for key, v := range cfg {
		if v == nil {
			continue
		}
		if contains(deferred, key) {
			held[key] = fmt.Sprint(v)
			continue
		}
		f := cmd.Flags().Lookup(key)
		if f == nil {
			ro.log.Warn("ignoring unknown config key", zap.String("key", key), zap.String("path", path))
			continue
		}
		if f.Changed {
			continue
		}
		if err := setFlag(f, v); err != nil {
			return nil, fmt.Errorf("config %s: key %q: %w", path, key, err)
		}
	}
	return held, nil
}

func setFlag(f *pflag.Flag, v any) error {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		var items []string
		switch vv := v.(type) {
		case []any:
			for _, it := range vv {
				items = append(items, fmt.Sprint(it))
			}
		case []string:
			items = vv
		default:
			items = []string{fmt.Sprint(v)}
		}
		return sv.Replace(items)
	}
	return f.Value.Set(fmt.Sprint(v))
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func newConfigCmd(ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd(ro))
	cmd.AddCommand(newConfigPathCmd(ro))

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		useYAML bool
		useTOML bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Long: `Creates a default configuration file at ~/.config/ggufpull.json (or .yaml, .toml)

The configuration file sets default values for the pull flags.
CLI flags always override config file values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if useYAML && useTOML {
				return fmt.Errorf("--yaml and --toml are mutually exclusive")
			}
			dir, err := configDir()
			if err != nil {
				return err
			}
			ext := ".json"
			switch {
			case useYAML:
				ext = ".yaml"
			case useTOML:
				ext = ".toml"
			}
			configPath := filepath.Join(dir, configBaseName+ext)

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			cfg := DefaultConfig()
			var data []byte
			switch ext {
			case ".yaml":
				data, err = yaml.Marshal(cfg)
			case ".toml":
				var buf bytes.Buffer
				err = toml.NewEncoder(&buf).Encode(cfg)
				data = buf.Bytes()
			default:
				data, err = json.MarshalIndent(cfg, "", "  ")
			}
			if err != nil {
				return err
			}

			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("could not write config file: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Created config file: %s\n", configPath)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Edit this file to set your defaults. For example:")
			fmt.Fprintln(out, "  - Set your Hugging Face token")
			fmt.Fprintln(out, "  - Set a default out-dir")
			fmt.Fprintln(out, "  - Point merge-tool at your llama.cpp build")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing config file")
	cmd.Flags().BoolVar(&useYAML, "yaml", false, "Create YAML config instead of JSON")
	cmd.Flags().BoolVar(&useTOML, "toml", false, "Create TOML config instead of JSON")

	return cmd
}

func newConfigShowCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			configPath := findConfig(ro.Config)
			if configPath == "" {
				fmt.Fprintln(out, "No config file found.")
				if dir, err := configDir(); err == nil {
					fmt.Fprintf(out, "Run 'ggufpull config init' to create one at:\n  %s\n", filepath.Join(dir, configBaseName+".json"))
				}
				return nil
			}

			// Decode first so a broken file is reported as such.
			if _, err := loadConfig(configPath); err != nil {
				return err
			}
			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Config file: %s\n\n", configPath)
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
}

func newConfigPathCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := findConfig(ro.Config)
			if p == "" {
				dir, err := configDir()
				if err != nil {
					return err
				}
				p = filepath.Join(dir, configBaseName+".json")
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
}
