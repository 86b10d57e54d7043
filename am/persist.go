package am

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/recurra/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete oldest backup")
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// DefaultSettings returns the built-in defaults as a nested map
func DefaultSettings() map[string]interface{} {
	v := viper.New()
	SetDefaults(v)
	return v.AllSettings()
}

// InitConfig writes the default configuration to configPath. An existing
// file is kept unless force is set, in which case it is backed up first.
func InitConfig(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.WithHint(
			errors.Mark(errors.Newf("%s already exists", configPath), errors.ErrConflict),
			"pass --force to overwrite it (the current file is kept as .back1)")
	}
	return saveConfig(DefaultSettings(), configPath)
}

// SetValue updates one dotted key in the TOML file at configPath, creating
// the file when missing. The value takes the type of the key's default and
// the result must still validate.
func SetValue(configPath, key, raw string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if !isKnownKey(key) {
		return errors.NewInvalidRequestError("unknown config key %q", key)
	}

	config, err := readConfigMap(configPath)
	if err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	section := config
	for _, p := range parts[:len(parts)-1] {
		next, ok := section[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			section[p] = next
		}
		section = next
	}
	value, err := parseValue(key, raw)
	if err != nil {
		return err
	}
	section[parts[len(parts)-1]] = value

	if err := validateMap(config); err != nil {
		return err
	}
	return saveConfig(config, configPath)
}

func isKnownKey(key string) bool {
	if sensitiveKeys[key] {
		return true
	}
	v := viper.New()
	SetDefaults(v)
	return slices.Contains(v.AllKeys(), key)
}

// parseValue converts raw to the type of the key's default
func parseValue(key, raw string) (interface{}, error) {
	v := viper.New()
	SetDefaults(v)
	switch v.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.NewInvalidRequestError("%s expects true or false, got %q", key, raw)
		}
		return b, nil
	case int:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.NewInvalidRequestError("%s expects an integer, got %q", key, raw)
		}
		return i, nil
	default:
		return raw, nil
	}
}

// validateMap checks config merged over defaults
func validateMap(config map[string]interface{}) error {
	v := viper.New()
	SetDefaults(v)
	if err := v.MergeConfigMap(config); err != nil {
		return errors.Wrap(err, "failed to merge config")
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Mark(err, errors.ErrInvalidRequest)
	}
	return nil
}

// readConfigMap loads a TOML file as a map, or an empty map if it doesn't exist
func readConfigMap(configPath string) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

// saveConfig writes the config to configPath with backup
func saveConfig(config map[string]interface{}, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}

	// Drop the cached config so the next Load sees the change
	Reset()
	return nil
}
