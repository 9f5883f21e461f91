package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"jobline/internal/app"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/logging"
)

const envFile = ".env"

var rootCmd = &cobra.Command{
	Use:   "jl",
	Short: "Jobline CLI",
	Long: `Jobline runs an auto-repair shop floor: job cards, worker and machine
assignments, per-assignment timers and the live cost of every job.

- Workspace: a directory holding .jobline/jobline.db and an optional .env.
- Shop: rates, roles and webhooks live in the shop config (jl shop config).
- Job: waiting -> pending -> in_progress -> completed -> supervisor_approved -> approved.
  QA marking an item needs-work rejects the job and sends it back to the floor.
- Timers: start, pause and stop per assignment; stopped timers never restart.
- Event log: every change is recorded, view with 'jl log tail'.`,
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
	workspace := viper.GetString("workspace")
	if err := godotenv.Load(filepath.Join(workspace, envFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: read .env:", err)
	}
	viper.SetEnvPrefix("JOBLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("shop", "", "shop id (defaults to JOBLINE_SHOP or the only shop)")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	pf.String("log-format", "console", "log format: console or json")
	for _, name := range []string{"workspace", "json", "actor-id", "shop", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(shopCmd())
	rootCmd.AddCommand(employeeCmd())
	rootCmd.AddCommand(machineCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(timerCmd())
	rootCmd.AddCommand(consumableCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	return logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	e, closeFn, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: log})
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

// withShop is withEngine plus the resolved shop id.
func withShop(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		shopID, err := app.ResolveShop(ctx, e.Repo, viper.GetString("shop"))
		if err != nil {
			return err
		}
		return fn(ctx, e, shopID)
	})
}

func actor() string {
	return viper.GetString("actor-id")
}

// printRecord prints one object as JSON under --json, else as a
// field/value table.
func printRecord(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	rows, err := recordRows(v)
	if err != nil {
		return err
	}
	tw := newTable("FIELD", "VALUE")
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

// recordRows flattens the JSON form of v into rows sorted by field name.
// Strings print bare, nested values stay compact JSON and nulls are dropped.
func recordRows(v any) ([]table.Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("not a record: %w", err)
	}
	keys := make([]string, 0, len(fields))
	for k, raw := range fields {
		if string(raw) == "null" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]table.Row, 0, len(keys))
	for _, k := range keys {
		var str string
		if err := json.Unmarshal(fields[k], &str); err == nil {
			rows = append(rows, table.Row{k, str})
			continue
		}
		rows = append(rows, table.Row{k, string(fields[k])})
	}
	return rows, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

func parseDecimalFlag(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %q is not a decimal number", name, raw)
	}
	return d, nil
}

// parseItem reads "description;category;hours;workers[;priority[;job_type]]".
func parseItem(raw string) (engine.ItemInput, error) {
	parts := strings.Split(raw, ";")
	if len(parts) < 4 || len(parts) > 6 {
		return engine.ItemInput{}, fmt.Errorf("--item %q: want description;category;hours;workers[;priority[;job_type]]", raw)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	hours, err := parseDecimalFlag("item hours", parts[2])
	if err != nil {
		return engine.ItemInput{}, err
	}
	workers, err := strconv.Atoi(parts[3])
	if err != nil {
		return engine.ItemInput{}, fmt.Errorf("--item %q: workers must be an integer", raw)
	}
	in := engine.ItemInput{
		Description:       parts[0],
		LaborCategory:     parts[1],
		EstimatedManHours: hours,
		WorkersAllowed:    workers,
	}
	if len(parts) > 4 {
		in.Priority = domain.Priority(parts[4])
	}
	if len(parts) > 5 {
		in.JobTypeRef = parts[5]
	}
	return in, nil
}
