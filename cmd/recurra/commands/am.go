package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/recurra/am"
	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage recurra configuration",
	Long: sym.AM + ` am — Manage recurra configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (RECURRA_* prefix)
2. Project config (./am.toml, searched up the directory tree)
3. User config (~/.recurra/am.toml)
4. System config (/etc/recurra/config.toml)
5. Default values

Examples:
  recurra am show                    # Show current configuration
  recurra am show --format json      # Show configuration in JSON format
  recurra am get pulse.workers       # Get specific config value
  recurra am set ledger.base_url https://ledger.example.com/api/v1
  recurra am validate                # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting comes from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	RunE:  runAmInit,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in a config file",
	Long: `Set a value in a config file (the user config unless --path is given).

The value is parsed as the type of the setting and the resulting
configuration is validated before anything is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var (
	configFormat string
	configPath   string
	configForce  bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().StringVar(&configPath, "path", "", "Config file to write (default ~/.recurra/am.toml)")
	amInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file (a backup is kept)")
	amSetCmd.Flags().StringVar(&configPath, "path", "", "Config file to modify (default ~/.recurra/am.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amSetCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	shown := *cfg
	if shown.Ledger.APIToken != "" {
		shown.Ledger.APIToken = "********"
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(shown, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(shown)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# recurra configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(shown)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# recurra configuration\n%s", string(data))

	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.WithHint(errors.NewNotFoundError("configuration key %q not found", key),
			"list keys with: recurra am where")
	}

	if key == "ledger.api_token" && am.GetString(key) != "" {
		fmt.Println("********")
		return nil
	}
	fmt.Println(am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return errors.Wrap(err, "failed to get config introspection")
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [default]     Built-in defaults")
	fmt.Println("  2. [system]      /etc/recurra/config.toml")
	fmt.Println("  3. [user]        " + am.UserConfigPath())
	fmt.Println("  4. [project]     ./am.toml (searches up directories)")
	fmt.Println("  5. [environment] " + am.EnvPrefix + "_* environment variables")
	fmt.Println()

	settings := append([]am.SettingInfo(nil), intro.Settings...)
	sort.SliceStable(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })

	data := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range settings {
		from := s.SourcePath
		if s.Source == am.SourceEnvironment && from == "" {
			from = am.EnvKey(s.Key)
		}
		value := fmt.Sprintf("%v", s.Value)
		if len(value) > 50 {
			value = value[:47] + "..."
		}
		data = append(data, []string{s.Key, value, string(s.Source), from})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func targetConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	path := am.UserConfigPath()
	if path == "" {
		return "", errors.WithHint(errors.New("cannot determine home directory"),
			"pass --path to choose a config file")
	}
	return path, nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path, err := targetConfigPath()
	if err != nil {
		return err
	}
	if err := am.InitConfig(path, configForce); err != nil {
		return err
	}
	pterm.Success.Printfln("Wrote default configuration to %s", path)
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path, err := targetConfigPath()
	if err != nil {
		return err
	}
	if err := am.SetValue(path, args[0], args[1]); err != nil {
		return err
	}
	pterm.Success.Printfln("%s updated in %s", args[0], path)
	return nil
}
