package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/racesync/pkg/config"
	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/events"
	"github.com/nimburion/racesync/pkg/importer"
	"github.com/nimburion/racesync/pkg/lock"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/store/memory"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// sharedStore keeps one memory store alive across commands, each of which
// closes the store it opened.
type sharedStore struct {
	*memory.Adapter
}

func (sharedStore) Close() error { return nil }

func newSharedStore() (sharedStore, StoreOpener) {
	shared := sharedStore{memory.NewAdapter(memory.Config{})}
	return shared, func(config.StoreConfig, logger.Logger) (docstore.Store, error) {
		return shared, nil
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeConfig(t *testing.T, sourceFile string) string {
	t.Helper()
	dir := t.TempDir()
	return writeFile(t, dir, "config.yaml", fmt.Sprintf(`
observability:
  log_level: error
store:
  type: memory
lock:
  job_key: race-schedule-import
  stale_threshold: 5m
  heartbeat_interval: 1m
retry:
  max_retries: 1
  base_delay: 1ms
  max_delay: 2ms
import:
  source_file: %q
`, sourceFile))
}

func execute(t *testing.T, opts CommandOptions, args ...string) (string, error) {
	t.Helper()
	cmd := NewServiceCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestResolveServiceNameValue(t *testing.T) {
	tests := []struct {
		name              string
		currentConfigName string
		defaultService    string
		override          string
		want              string
	}{
		{
			name:              "override wins",
			currentConfigName: "from-config",
			defaultService:    "from-cli",
			override:          "from-flag",
			want:              "from-flag",
		},
		{
			name:              "configured value wins over default",
			currentConfigName: "from-config",
			defaultService:    "from-cli",
			want:              "from-config",
		},
		{
			name:           "default used when config missing",
			defaultService: "from-cli",
			want:           "from-cli",
		},
		{
			name: "racesync fallback",
			want: "racesync",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveServiceNameValue(tt.currentConfigName, tt.defaultService, tt.override)
			if got != tt.want {
				t.Fatalf("resolveServiceNameValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewServiceCommand_AddsCompletionByDefault(t *testing.T) {
	cmd := NewServiceCommand(CommandOptions{Name: "racesync"})

	completionCmd, _, err := cmd.Find([]string{"completion"})
	if err != nil {
		t.Fatalf("expected completion command, got error: %v", err)
	}
	if completionCmd == nil || completionCmd.Name() != "completion" {
		t.Fatalf("expected completion command, got %#v", completionCmd)
	}

	policies := GetCommandPolicies(completionCmd)
	if got := policies[defaultPolicyContext]; got != string(PolicyAlways) {
		t.Fatalf("expected completion policy %q, got %q", PolicyAlways, got)
	}
}

func TestNewServiceCommand_CommandPolicies(t *testing.T) {
	cmd := NewServiceCommand(CommandOptions{Name: "racesync"})

	tests := []struct {
		path []string
		want CommandPolicy
	}{
		{path: []string{"run"}, want: PolicyRun},
		{path: []string{"schedule"}, want: PolicyScheduled},
		{path: []string{"lock", "status"}, want: PolicyOnDemand},
		{path: []string{"lock", "clear"}, want: PolicyManual},
		{path: []string{"provision"}, want: PolicyOnce},
		{path: []string{"healthcheck"}, want: PolicyAlways},
		{path: []string{"version"}, want: PolicyAlways},
		{path: []string{"config", "validate"}, want: PolicyAlways},
		{path: []string{"config", "show"}, want: PolicyAlways},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.path, " "), func(t *testing.T) {
			found, _, err := cmd.Find(tt.path)
			if err != nil {
				t.Fatalf("find %v: %v", tt.path, err)
			}
			if got := GetCommandPolicies(found)[defaultPolicyContext]; got != string(tt.want) {
				t.Fatalf("expected policy %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewServiceCommand_CustomCommandGetsDefaultPolicy(t *testing.T) {
	custom := &cobra.Command{Use: "extra", Run: func(*cobra.Command, []string) {}}
	cmd := NewServiceCommand(CommandOptions{Name: "racesync", CustomCommands: []*cobra.Command{custom}})

	found, _, err := cmd.Find([]string{"extra"})
	if err != nil {
		t.Fatalf("find custom command: %v", err)
	}
	if got := GetCommandPolicies(found)[defaultPolicyContext]; got != string(PolicyAlways) {
		t.Fatalf("expected default policy, got %q", got)
	}
}

func TestSetCommandPolicies_ReplacesPrevious(t *testing.T) {
	cmd := NewServiceCommand(CommandOptions{Name: "racesync"})
	SetCommandPolicies(cmd, map[string]CommandPolicy{"deploy": PolicyNever, " ": PolicyOnce})

	policies := GetCommandPolicies(cmd)
	if len(policies) != 1 || policies["deploy"] != string(PolicyNever) {
		t.Fatalf("expected only the deploy policy, got %v", policies)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, CommandOptions{Name: "racesync"}, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Service:    racesync") || !strings.Contains(out, "Version:") {
		t.Fatalf("unexpected version output:\n%s", out)
	}
}

func TestRunCommand_ImportsSchedule(t *testing.T) {
	dir := t.TempDir()
	source := writeFile(t, dir, "schedule.yaml", `
- id: monza-2026
  track: Monza
  starts_at: "2026-09-06T13:00:00Z"
- id: spa-2026
  track: Spa
  starts_at: "2026-07-26T13:00:00Z"
`)
	cfgPath := writeConfig(t, source)
	shared, opener := newSharedStore()

	out, err := execute(t, CommandOptions{OpenStore: opener}, "run", "-c", cfgPath)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "reason=completed") || !strings.Contains(out, "written=2") {
		t.Fatalf("unexpected run output:\n%s", out)
	}
	if got := shared.Keys("race_schedules"); len(got) != 2 {
		t.Fatalf("expected two schedule documents, got %v", got)
	}
	if got := shared.Keys("execution_locks"); len(got) != 0 {
		t.Fatalf("expected the lock to be released, got %v", got)
	}
}

func TestRunCommand_FailedFeedExitsWithError(t *testing.T) {
	cfgPath := writeConfig(t, "unused.yaml")
	_, opener := newSharedStore()
	broken := importer.SourceFunc(func(context.Context) ([]importer.Record, error) {
		return nil, fmt.Errorf("%w: not a list", importer.ErrInvalidRecord)
	})

	out, err := execute(t, CommandOptions{OpenStore: opener, Source: broken}, "run", "-c", cfgPath)
	if err == nil {
		t.Fatalf("expected failure, got output:\n%s", out)
	}
	if !errors.Is(err, importer.ErrFeedUnavailable) {
		t.Fatalf("expected ErrFeedUnavailable, got %v", err)
	}
	if !strings.Contains(out, "reason=failed") {
		t.Fatalf("unexpected run output:\n%s", out)
	}
}

type capturedPublisher struct {
	topics   []string
	messages []*events.Message
	closed   bool
}

func (p *capturedPublisher) Publish(_ context.Context, topic string, msg *events.Message) error {
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, msg)
	return nil
}

func (p *capturedPublisher) HealthCheck(context.Context) error { return nil }

func (p *capturedPublisher) Close() error {
	p.closed = true
	return nil
}

func TestRunCommand_PublishesRunEvent(t *testing.T) {
	dir := t.TempDir()
	source := writeFile(t, dir, "schedule.yaml", "- id: suzuka-2026\n  track: Suzuka\n")
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf(`
observability:
  log_level: error
store:
  type: memory
retry:
  max_retries: 0
import:
  source_file: %q
events:
  type: kafka
  topic: racesync.runs
  serializer: protobuf
  kafka:
    brokers: ["localhost:9092"]
`, source))
	_, opener := newSharedStore()
	pub := &capturedPublisher{}
	var gotType string
	openPublisher := func(cfg config.EventsConfig, _ logger.Logger) (events.Publisher, error) {
		gotType = cfg.Type
		return pub, nil
	}

	out, err := execute(t, CommandOptions{OpenStore: opener, OpenPublisher: openPublisher}, "run", "-c", cfgPath)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if gotType != config.EventsTypeKafka {
		t.Fatalf("expected kafka publisher, got %q", gotType)
	}
	if len(pub.messages) != 1 || pub.topics[0] != "racesync.runs" {
		t.Fatalf("expected one event on racesync.runs, got %v", pub.topics)
	}
	event, err := events.ProtobufSerializer{}.Deserialize(pub.messages[0].Value)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Reason != "completed" || event.Written != 1 || event.JobKey != "race-schedule-import" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !pub.closed {
		t.Fatal("expected publisher closed with the runtime")
	}
}

func TestRunCommand_SkipsWhileAnotherInstanceHoldsTheLock(t *testing.T) {
	cfgPath := writeConfig(t, "unused.yaml")
	shared, opener := newSharedStore()
	if err := shared.Provision(context.Background(), "execution_locks"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	peer, err := lock.NewCoordinator(shared, lock.Config{}, nil, lock.WithHost("peer-host"))
	if err != nil {
		t.Fatalf("peer coordinator: %v", err)
	}
	held, err := peer.Acquire(context.Background(), "race-schedule-import")
	if err != nil || held == nil {
		t.Fatalf("peer acquire: %v", err)
	}

	called := false
	source := importer.SourceFunc(func(context.Context) ([]importer.Record, error) {
		called = true
		return nil, nil
	})
	out, err := execute(t, CommandOptions{OpenStore: opener, Source: source}, "run", "-c", cfgPath)
	if err != nil {
		t.Fatalf("contention must not fail the run: %v", err)
	}
	if called {
		t.Fatal("job body must not run without the lock")
	}
	if !strings.Contains(out, "reason=skipped_contended") {
		t.Fatalf("unexpected run output:\n%s", out)
	}

	out, err = execute(t, CommandOptions{OpenStore: opener}, "lock", "status", "-c", cfgPath)
	if err != nil {
		t.Fatalf("lock status: %v", err)
	}
	var status map[string]any
	if err := yaml.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if status["held"] != true || status["stale"] != nil {
		t.Fatalf("expected a live lock, got %v", status)
	}
	if !strings.Contains(out, held.ExecutionID()) || !strings.Contains(out, "peer-host") {
		t.Fatalf("expected holder details in status:\n%s", out)
	}

	out, err = execute(t, CommandOptions{OpenStore: opener}, "lock", "clear", "-c", cfgPath)
	if err != nil {
		t.Fatalf("lock clear: %v", err)
	}
	if !strings.Contains(out, "left in place") {
		t.Fatalf("a live lock must survive clear without --force:\n%s", out)
	}

	out, err = execute(t, CommandOptions{OpenStore: opener}, "lock", "clear", "--force", "-c", cfgPath)
	if err != nil {
		t.Fatalf("lock clear --force: %v", err)
	}
	if !strings.Contains(out, "cleared") || len(shared.Keys("execution_locks")) != 0 {
		t.Fatalf("expected forced clear to delete the lock:\n%s", out)
	}
}

func TestLockStatus_FreeSlot(t *testing.T) {
	cfgPath := writeConfig(t, "unused.yaml")
	_, opener := newSharedStore()

	out, err := execute(t, CommandOptions{OpenStore: opener}, "lock", "status", "-c", cfgPath)
	if err != nil {
		t.Fatalf("lock status: %v", err)
	}
	if !strings.Contains(out, "held: false") {
		t.Fatalf("expected a free slot, got:\n%s", out)
	}
}

func TestProvisionAndHealthcheck(t *testing.T) {
	cfgPath := writeConfig(t, "unused.yaml")
	shared, opener := newSharedStore()

	out, err := execute(t, CommandOptions{OpenStore: opener}, "provision", "-c", cfgPath)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if !strings.Contains(out, "execution_locks, race_schedules") {
		t.Fatalf("unexpected provision output:\n%s", out)
	}

	out, err = execute(t, CommandOptions{OpenStore: opener}, "healthcheck", "-c", cfgPath)
	if err != nil {
		t.Fatalf("healthcheck: %v\n%s", err, out)
	}
	if !strings.Contains(out, "memory: healthy") {
		t.Fatalf("unexpected healthcheck output:\n%s", out)
	}

	_ = shared.Adapter.Close()
	out, err = execute(t, CommandOptions{OpenStore: func(config.StoreConfig, logger.Logger) (docstore.Store, error) {
		return shared.Adapter, nil
	}}, "healthcheck", "-c", writeConfigWithStore(t, "mongodb"))
	if err == nil {
		t.Fatalf("expected an unhealthy store to fail the healthcheck:\n%s", out)
	}
}

func writeConfigWithStore(t *testing.T, storeType string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "config.yaml", fmt.Sprintf(`
observability:
  log_level: error
store:
  type: %s
  mongodb:
    url: mongodb://localhost:27017
    database: racesync
`, storeType))
}

func TestConfigValidate(t *testing.T) {
	valid := writeConfig(t, "schedule.yaml")
	out, err := execute(t, CommandOptions{}, "config", "validate", "-c", valid)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "Configuration is valid") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	invalid := writeFile(t, t.TempDir(), "config.yaml", "store:\n  type: cassandra\n")
	if _, err := execute(t, CommandOptions{}, "config", "validate", "-c", invalid); err == nil {
		t.Fatal("expected validation failure")
	}

	typo := writeFile(t, t.TempDir(), "config.yaml", "lock:\n  stale_treshold: 5m\n")
	_, err = execute(t, CommandOptions{}, "config", "validate", "-c", typo)
	if err == nil || !strings.Contains(err.Error(), "does not match schema") {
		t.Fatalf("expected the misspelled key to be reported, got %v", err)
	}
}

func TestConfigSchema(t *testing.T) {
	out, err := execute(t, CommandOptions{}, "config", "schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var schema struct {
		Title      string                     `json:"title"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema output is not JSON: %v\n%s", err, out)
	}
	for _, key := range []string{"store", "lock", "retry", "events"} {
		if _, ok := schema.Properties[key]; !ok {
			t.Fatalf("expected %q in schema properties", key)
		}
	}
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "store:\n  type: postgres\n")
	secretPath := writeFile(t, t.TempDir(), "secrets.yaml", "store:\n  postgres:\n    url: postgres://racesync:hunter2@db:5432/racesync\n")
	t.Setenv("RACESYNC_SECRETS_FILE", secretPath)

	out, err := execute(t, CommandOptions{}, "config", "show", "-c", cfgPath, "--secret-file", secretPath)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if strings.Contains(out, "hunter2") || !strings.Contains(out, "url: ***") {
		t.Fatalf("expected the secret url to be masked:\n%s", out)
	}

	out, err = execute(t, CommandOptions{}, "config", "show", "-c", cfgPath, "--secret-file", secretPath, "--show-secrets")
	if err != nil {
		t.Fatalf("show --show-secrets: %v", err)
	}
	if !strings.Contains(out, "hunter2") {
		t.Fatalf("expected the secret with --show-secrets:\n%s", out)
	}
}

func TestLoadConfigAndLogger_LogLevelOverride(t *testing.T) {
	cfgPath := writeConfig(t, "schedule.yaml")

	flagsWithLevel := func(level string) *pflag.FlagSet {
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.String("log-level", "", "")
		if err := flags.Parse([]string{"--log-level", level}); err != nil {
			t.Fatalf("parse flags: %v", err)
		}
		return flags
	}

	cfg, log, err := LoadConfigAndLogger(cfgPath, "", "", "racesync", "importer-eu", flagsWithLevel("debug"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if log == nil || cfg.Observability.LogLevel != "debug" || cfg.Service.Name != "importer-eu" {
		t.Fatalf("unexpected config: level=%s name=%s", cfg.Observability.LogLevel, cfg.Service.Name)
	}

	if _, _, err := LoadConfigAndLogger(cfgPath, "", "", "racesync", "", flagsWithLevel("verbose")); err == nil {
		t.Fatal("expected an invalid --log-level to fail")
	}

	cfg, _, err = LoadConfigAndLogger(cfgPath, "", "", "racesync", "", nil)
	if err != nil {
		t.Fatalf("load without flags: %v", err)
	}
	if cfg.Observability.LogLevel == "" {
		t.Fatal("expected the configured log level without flags")
	}
}

func TestApplySecretFileFlag_RejectsDirectory(t *testing.T) {
	if err := applySecretFileFlag("RACESYNC", t.TempDir()); err == nil {
		t.Fatal("expected error for a directory")
	}
	if err := applySecretFileFlag("RACESYNC", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestFormatLockStatus(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	current := &lock.ExecutionLock{
		SchemaVersion:    lock.SchemaVersion,
		JobKey:           "race-schedule-import",
		ExecutionID:      "exec-1",
		AcquiredAt:       now.Add(-20 * time.Minute),
		LastHeartbeat:    now.Add(-10 * time.Minute),
		Status:           lock.StatusRunning,
		ProgressSnapshot: []byte(`{"processed":40,"total":90}`),
	}

	out, err := formatLockStatus("race-schedule-import", current, now, 5*time.Minute)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	for _, want := range []string{"held: true", "stale: true", "age: 10m0s", "executionId: exec-1", "processed: 40"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
}
