package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nimburion/racesync/pkg/config"
	"github.com/nimburion/racesync/pkg/configschema"
	"github.com/nimburion/racesync/pkg/events"
	"github.com/nimburion/racesync/pkg/health"
	"github.com/nimburion/racesync/pkg/importer"
	"github.com/nimburion/racesync/pkg/job"
	"github.com/nimburion/racesync/pkg/lock"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/observability/metrics"
	"github.com/nimburion/racesync/pkg/observability/tracing"
	"github.com/nimburion/racesync/pkg/schedule"
	"github.com/nimburion/racesync/pkg/store"
	"github.com/nimburion/racesync/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
	defaultEnvPrefix         = "RACESYNC"
)

// CommandPolicy defines the supported command policy values.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyNever     CommandPolicy = "never"
	PolicyOnce      CommandPolicy = "once"
	PolicyRun       CommandPolicy = "run"
	PolicyManual    CommandPolicy = "manual"
	PolicyOnDemand  CommandPolicy = "on_demand"
	PolicyScheduled CommandPolicy = "scheduled"
)

// CommandOptions defines the service identity and optional overrides.
type CommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: replaces the file source configured by import.source_file.
	Source importer.Source
	// Optional: replaces store.Open (useful for tests/custom adapters).
	OpenStore StoreOpener
	// Optional: replaces the kafka/rabbitmq/sqs publisher factory.
	OpenPublisher PublisherOpener

	// Optional: additional custom commands
	CustomCommands []*cobra.Command
}

// NewServiceCommand creates the racesync CLI with run, schedule, lock,
// provision, healthcheck, version, and config subcommands.
func NewServiceCommand(opts CommandOptions) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "racesync"
	}
	opts.EnvPrefix = resolveEnvPrefix(opts.EnvPrefix)

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	var cfgPath string
	var secretFilePath string
	var serviceNameOverride string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets "+opts.EnvPrefix+"_SECRETS_FILE)")
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format override (json, text, console)")
	rootCmd.PersistentFlags().String("store-type", "", "document store override (memory, mongodb, dynamodb, redis, postgres, mysql, s3, opensearch, elasticsearch)")

	loadConfig := func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, opts.Name, serviceNameOverride, flags)
	}
	openRuntime := func(ctx context.Context, flags *pflag.FlagSet) (*Runtime, logger.Logger, error) {
		cfg, log, err := loadConfig(flags)
		if err != nil {
			return nil, nil, err
		}
		rt, err := OpenRuntime(ctx, cfg, log, opts.OpenStore)
		if err != nil {
			return nil, nil, err
		}
		return rt, log, nil
	}

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
		},
	})
	SetCommandPolicies(rootCmd.Commands()[len(rootCmd.Commands())-1], map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	// run command: one guarded invocation of the import job
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the schedule import once under the execution lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, log, err := openRuntime(ctx, cmd.Flags())
			if err != nil {
				return err
			}
			defer closeRuntime(rt, log)

			tp, err := startTracing(ctx, rt.Config)
			if err != nil {
				return fmt.Errorf("start tracing: %w", err)
			}
			defer shutdownTracing(tp, log)

			ij, err := buildJob(rt, opts, log)
			if err != nil {
				return err
			}
			record := ij.run(ctx)
			printRecord(cmd.OutOrStdout(), record)
			if record.Reason.Failed() {
				return fmt.Errorf("job %s %s: %w", record.JobKey, record.Reason, errOrReason(record))
			}
			return nil
		},
	}
	SetCommandPolicies(runCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	rootCmd.AddCommand(runCmd)

	// schedule command: long-running loop firing the job on schedule.cron
	var metricsAddr string
	var runNow bool
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the schedule import on schedule.cron until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, log, err := openRuntime(ctx, cmd.Flags())
			if err != nil {
				return err
			}
			defer closeRuntime(rt, log)

			tp, err := startTracing(ctx, rt.Config)
			if err != nil {
				return fmt.Errorf("start tracing: %w", err)
			}
			defer shutdownTracing(tp, log)

			ij, err := buildJob(rt, opts, log)
			if err != nil {
				return err
			}
			sched, err := schedule.Parse(rt.Config.Schedule.Cron, rt.Location)
			if err != nil {
				return fmt.Errorf("schedule.cron: %w", err)
			}
			loop, err := schedule.NewLoop(sched, func(runCtx context.Context) {
				ij.run(runCtx)
			}, log)
			if err != nil {
				return err
			}

			addr := strings.TrimSpace(metricsAddr)
			if addr == "" {
				addr = strings.TrimSpace(rt.Config.Observability.MetricsAddr)
			}
			g, gctx := errgroup.WithContext(ctx)
			if addr != "" {
				healthz := metrics.Route{Pattern: "/healthz", Handler: health.Handler(rt.HealthRegistry(5 * time.Second))}
				g.Go(func() error { return metrics.Serve(gctx, addr, log, healthz) })
			}
			g.Go(func() error {
				if runNow {
					ij.run(gctx)
				}
				return loop.Run(gctx)
			})
			return g.Wait()
		},
	}
	scheduleCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address (fallback: observability.metrics_addr)")
	scheduleCmd.Flags().BoolVar(&runNow, "run-now", false, "run once immediately before waiting for the first fire time")
	SetCommandPolicies(scheduleCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	rootCmd.AddCommand(scheduleCmd)

	// lock command with subcommands
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Execution lock inspection and recovery",
	}
	SetCommandPolicies(lockCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})

	lockStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show who holds the execution lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, log, err := openRuntime(cmd.Context(), cmd.Flags())
			if err != nil {
				return err
			}
			defer closeRuntime(rt, log)

			current, err := rt.Coordinator.Inspect(cmd.Context(), rt.Config.Lock.JobKey)
			if err != nil {
				return fmt.Errorf("inspect lock: %w", err)
			}
			formatted, err := formatLockStatus(rt.Config.Lock.JobKey, current, time.Now(), rt.Coordinator.Config().StaleThreshold)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	SetCommandPolicies(lockStatusCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	lockCmd.AddCommand(lockStatusCmd)

	var force bool
	lockClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete a stale execution lock (--force deletes a live one)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, log, err := openRuntime(cmd.Context(), cmd.Flags())
			if err != nil {
				return err
			}
			defer closeRuntime(rt, log)

			cleared, err := rt.Coordinator.Clear(cmd.Context(), rt.Config.Lock.JobKey, force)
			if err != nil {
				return fmt.Errorf("clear lock: %w", err)
			}
			if cleared {
				fmt.Fprintf(cmd.OutOrStdout(), "lock %s cleared\n", rt.Config.Lock.JobKey)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lock %s left in place (absent or still live; use --force)\n", rt.Config.Lock.JobKey)
			return nil
		},
	}
	lockClearCmd.Flags().BoolVar(&force, "force", false, "delete the lock even if its holder is still heartbeating")
	SetCommandPolicies(lockClearCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	lockCmd.AddCommand(lockClearCmd)
	rootCmd.AddCommand(lockCmd)

	// provision command
	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the lock and schedule collections in the document store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, log, err := openRuntime(cmd.Context(), cmd.Flags())
			if err != nil {
				return err
			}
			defer closeRuntime(rt, log)

			collections := []string{rt.Config.Lock.Collection, rt.Config.Import.Collection}
			if err := store.Provision(cmd.Context(), rt.Store, collections...); err != nil {
				return fmt.Errorf("provision: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provisioned collections: %s\n", strings.Join(collections, ", "))
			return nil
		},
	}
	SetCommandPolicies(provisionCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnce})
	rootCmd.AddCommand(provisionCmd)

	// healthcheck command
	var healthTimeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the document store and event broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, log, err := openRuntime(cmd.Context(), cmd.Flags())
			if err != nil {
				return err
			}
			defer closeRuntime(rt, log)
			if _, err := rt.NewNotifier(opts.OpenPublisher); err != nil {
				return err
			}

			result := rt.HealthRegistry(healthTimeout).Check(cmd.Context())
			out := cmd.OutOrStdout()
			for _, check := range result.Checks {
				line := fmt.Sprintf("%s: %s", check.Name, check.Status)
				if check.Error != "" {
					line += " (" + check.Error + ")"
				}
				fmt.Fprintln(out, line)
			}
			if !result.IsHealthy() {
				return fmt.Errorf("healthcheck failed: %s", result.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "timeout for each dependency check")
	SetCommandPolicies(healthCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(healthCmd)

	// config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applySecretFileFlag(opts.EnvPrefix, secretFilePath); err != nil {
				return err
			}
			if cfgPath != "" {
				if err := configschema.ValidateFile(cfgPath); err != nil {
					return fmt.Errorf("configuration validation failed: %w", err)
				}
			}
			if _, _, err := config.NewViperLoader(cfgPath, opts.EnvPrefix).WithFlags(cmd.Flags()).LoadWithSecrets(); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
			return nil
		},
	})
	SetCommandPolicies(configCmd.Commands()[len(configCmd.Commands())-1], map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applySecretFileFlag(opts.EnvPrefix, secretFilePath); err != nil {
				return err
			}
			cfg, secrets, err := config.NewViperLoader(cfgPath, opts.EnvPrefix).WithFlags(cmd.Flags()).LoadWithSecrets()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyResolvedServiceName(cfg, opts.Name, serviceNameOverride)
			if showSecrets {
				fmt.Fprint(cmd.OutOrStdout(), cfg.String())
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.Redacted(secrets))
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	SetCommandPolicies(showCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(showCmd)

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := configschema.Build()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(schema, "", "  ")
			if err != nil {
				return fmt.Errorf("encode schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	SetCommandPolicies(schemaCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(schemaCmd)

	rootCmd.AddCommand(configCmd)

	// Add custom service-specific commands
	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		if subCmd != nil && subCmd.Name() == "completion" {
			SetCommandPolicies(subCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
			break
		}
	}

	return rootCmd
}

// SetCommandPolicies stores policies as a map[string]string on command annotations using the "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		context, ok := strings.CutPrefix(key, policiesAnnotationPrefix)
		if !ok || strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// LoadConfigAndLogger loads configuration (file, secrets, env) and builds the zap logger.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath,
	defaultServiceName,
	serviceNameOverride string,
	flags *pflag.FlagSet,
) (*config.Config, logger.Logger, error) {
	envPrefix = resolveEnvPrefix(envPrefix)
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(cfgPath, envPrefix).WithFlags(flags).LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyResolvedServiceName(cfg, defaultServiceName, serviceNameOverride)

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg, secrets)
	return cfg, log.With("service", cfg.Service.Name), nil
}

// importJob runs the importer under the lock and announces the outcome.
type importJob struct {
	runner   *job.Runner
	importer *importer.Importer
	notifier *events.Notifier
	log      logger.Logger
}

func (j *importJob) run(ctx context.Context) job.RunRecord {
	record := j.runner.Run(ctx, j.importer)
	if j.notifier != nil {
		if err := j.notifier.Notify(ctx, record); err != nil {
			j.log.Warn("run finished without notification", "reason", record.Reason, "error", err)
		}
	}
	return record
}

func buildJob(rt *Runtime, opts CommandOptions, log logger.Logger) (*importJob, error) {
	runner, err := rt.NewRunner()
	if err != nil {
		return nil, fmt.Errorf("create job runner: %w", err)
	}
	imp, err := rt.NewImporter(opts.Source)
	if err != nil {
		return nil, fmt.Errorf("create importer: %w", err)
	}
	notifier, err := rt.NewNotifier(opts.OpenPublisher)
	if err != nil {
		return nil, fmt.Errorf("create notifier: %w", err)
	}
	return &importJob{runner: runner, importer: imp, notifier: notifier, log: log}, nil
}

func closeRuntime(rt *Runtime, log logger.Logger) {
	if err := rt.Close(); err != nil {
		log.Error("failed to close runtime", "error", err)
	}
}

func shutdownTracing(tp *tracing.TracerProvider, log logger.Logger) {
	if err := tp.Shutdown(context.Background()); err != nil {
		log.Error("failed to shutdown tracer provider", "error", err)
	}
}

func printRecord(out io.Writer, record job.RunRecord) {
	fmt.Fprintf(out, "job=%s reason=%s", record.JobKey, record.Reason)
	if record.ExecutionID != "" {
		fmt.Fprintf(out, " execution_id=%s", record.ExecutionID)
	}
	fmt.Fprintf(out, " fetched=%d written=%d failed=%d duration=%s\n",
		record.Stats.Fetched, record.Stats.Written, record.Stats.Failed, record.Duration().Round(time.Millisecond))
}

func errOrReason(record job.RunRecord) error {
	if record.Err != nil {
		return record.Err
	}
	return errors.New(string(record.Reason))
}

type lockStatus struct {
	JobKey   string              `yaml:"jobKey"`
	Held     bool                `yaml:"held"`
	Stale    bool                `yaml:"stale,omitempty"`
	Age      string              `yaml:"age,omitempty"`
	Lock     *lock.ExecutionLock `yaml:"lock,omitempty"`
	Progress any                 `yaml:"progress,omitempty"`
}

func formatLockStatus(jobKey string, current *lock.ExecutionLock, now time.Time, staleThreshold time.Duration) (string, error) {
	status := lockStatus{JobKey: jobKey}
	if current != nil {
		status.Held = true
		status.Stale = current.IsStale(now, staleThreshold)
		status.Age = current.Age(now).Round(time.Second).String()
		status.Lock = current
		if len(current.ProgressSnapshot) > 0 {
			var progress any
			if err := json.Unmarshal(current.ProgressSnapshot, &progress); err == nil {
				status.Progress = progress
			}
		}
	}
	data, err := yaml.Marshal(status)
	if err != nil {
		return "", fmt.Errorf("marshal lock status: %w", err)
	}
	return string(data), nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logConfigIfDebug(log logger.Logger, cfg, secrets *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", cfg.Redacted(secrets))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return defaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func applyResolvedServiceName(cfg *config.Config, defaultServiceName, serviceNameOverride string) {
	if cfg == nil {
		return
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "racesync"
}
