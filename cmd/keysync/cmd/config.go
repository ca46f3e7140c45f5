package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/keysync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, the config file and KEYSYNC_
environment variables have been applied. Secrets are masked.

  keysync config dump > config.yaml

Environment variables use the KEYSYNC_ prefix and underscores for nesting,
e.g. push.broker_url -> KEYSYNC_PUSH_BROKER_URL.`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// secretKeys are masked in dumps.
var secretKeys = map[string]bool{"password": true, "dsn": true}

const masked = "********"

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations in their human form.
func toMap(v any) map[string]any {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Pointer {
		val = val.Elem()
	}
	typ := val.Type()

	out := make(map[string]any, val.NumField())
	for i := range val.NumField() {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			out[key] = fv.String()
		case config.Duration:
			out[key] = fv.String()
		case string:
			if secretKeys[key] && fv != "" {
				out[key] = masked
			} else {
				out[key] = fv
			}
		default:
			if field.Kind() == reflect.Struct {
				out[key] = toMap(fv)
			} else {
				out[key] = fv
			}
		}
	}
	return out
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "# keysync configuration")
	fmt.Fprintln(w, "# Durations accept Go syntax plus d and w units, e.g. 90s, 1d, 2w.")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}
