package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"metaflow/internal/app"
	"metaflow/internal/config"
	"metaflow/internal/logging"
	"metaflow/internal/schema"
)

var rootCmd = &cobra.Command{
	Use:   "mf",
	Short: "Metaflow CLI",
	Long: `Metaflow keeps a per-tenant ontology and runs declarative actions against it.
- Object Types describe records and their typed properties.
- Relationships connect Object Types (ONE_TO_ONE, ONE_TO_MANY, MANY_TO_MANY through a junction type).
- Action Types are operations on instances: declarative rules or a named handler, gated by criteria.
- Objects are instances; 'mf action available <object>' shows which actions apply and why not.
- Every write lands in the event log ('mf events').`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	viper.SetEnvPrefix("METAFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("tenant", "t", "", "tenant id")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log engine activity")
	for _, name := range []string{"workspace", "tenant", "actor-id", "json", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(typeCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(relCmd())
	rootCmd.AddCommand(objCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := zap.NewNop()
	if viper.GetBool("verbose") {
		if log, err = logging.New(cfg.Logging); err != nil {
			return err
		}
	}
	a, err := app.Open(viper.GetString("workspace"), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func tenant() (string, error) {
	t := strings.TrimSpace(viper.GetString("tenant"))
	if t == "" {
		return "", fmt.Errorf("tenant not specified; use --tenant or METAFLOW_TENANT")
	}
	return t, nil
}

func actor() string {
	return viper.GetString("actor-id")
}

// readDocument reads a JSON or YAML file and returns it as JSON.
func readDocument(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("--file required")
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	return schema.YAMLToJSON(data)
}

func decodeDocument(path string, v any) error {
	data, err := readDocument(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// parseAssignments turns key=value pairs into a map. Values that parse as JSON keep
// their JSON type; anything else is a string.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[strings.TrimSpace(key)] = v
	}
	return out, nil
}

func mergeJSON(dst map[string]any, raw string) error {
	if raw == "" {
		return nil
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(raw), &extra); err != nil {
		return fmt.Errorf("invalid JSON object: %w", err)
	}
	for k, v := range extra {
		dst[k] = v
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
