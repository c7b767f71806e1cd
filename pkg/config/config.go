// Package config loads the foreman daemon configuration from a TOML file.
// Every field has a working default; a missing file yields the default
// configuration rather than an error.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full daemon configuration.
type Config struct {
	DBPath    string          `toml:"db_path"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Worker    WorkerConfig    `toml:"worker"`
	Targets   TargetsConfig   `toml:"targets"`
}

// DispatchConfig tunes the effect dispatcher loop.
type DispatchConfig struct {
	MaxEvents    int      `toml:"max_events"`
	PollInterval duration `toml:"poll_interval"`
}

// SchedulerConfig tunes the batch scheduler.
type SchedulerConfig struct {
	StepPollInterval  duration `toml:"step_poll_interval"`
	StepMaxWait       duration `toml:"step_max_wait"`
	ReadyPollInterval duration `toml:"ready_poll_interval"`
	MaxIterations     int      `toml:"max_iterations"`
	AutoMinPriority   int      `toml:"auto_min_priority"`
}

// WorkerConfig locates the execution worker endpoint.
type WorkerConfig struct {
	Endpoint string `toml:"endpoint"`
}

// TargetsConfig holds the best-effort side-effect target URLs. Empty URLs
// disable the corresponding sink.
type TargetsConfig struct {
	RepoSync   string `toml:"repo_sync"`
	ChatNotify string `toml:"chat_notify"`
	DocSync    string `toml:"doc_sync"`
	Webhook    string `toml:"webhook"`
}

// duration wraps time.Duration for TOML strings like "250ms" or "10m".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Default returns the default configuration.
func Default() Config {
	return Config{
		DBPath: "foreman.db",
		Dispatch: DispatchConfig{
			MaxEvents:    10,
			PollInterval: duration(5 * time.Second),
		},
		Scheduler: SchedulerConfig{
			StepPollInterval:  duration(250 * time.Millisecond),
			StepMaxWait:       duration(10 * time.Minute),
			ReadyPollInterval: duration(250 * time.Millisecond),
			MaxIterations:     100,
			AutoMinPriority:   2,
		},
		Worker: WorkerConfig{
			Endpoint: "http://127.0.0.1:8731/execute",
		},
	}
}

// Load reads a TOML config file and resolves defaults for unset fields.
// A missing file returns Default() without error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Config{}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	def := Default()
	out := c
	if out.DBPath == "" {
		out.DBPath = def.DBPath
	}
	if out.Dispatch.MaxEvents == 0 {
		out.Dispatch.MaxEvents = def.Dispatch.MaxEvents
	}
	if out.Dispatch.PollInterval == 0 {
		out.Dispatch.PollInterval = def.Dispatch.PollInterval
	}
	if out.Scheduler.StepPollInterval == 0 {
		out.Scheduler.StepPollInterval = def.Scheduler.StepPollInterval
	}
	if out.Scheduler.StepMaxWait == 0 {
		out.Scheduler.StepMaxWait = def.Scheduler.StepMaxWait
	}
	if out.Scheduler.ReadyPollInterval == 0 {
		out.Scheduler.ReadyPollInterval = def.Scheduler.ReadyPollInterval
	}
	if out.Scheduler.MaxIterations == 0 {
		out.Scheduler.MaxIterations = def.Scheduler.MaxIterations
	}
	if out.Worker.Endpoint == "" {
		out.Worker.Endpoint = def.Worker.Endpoint
	}
	return out
}

// DefaultTOML is the config file written by `foreman init`.
const DefaultTOML = `# foreman configuration

db_path = "foreman.db"

[dispatch]
max_events = 10
poll_interval = "5s"

[scheduler]
step_poll_interval = "250ms"
step_max_wait = "10m"
ready_poll_interval = "250ms"
max_iterations = 100
auto_min_priority = 2

[worker]
endpoint = "http://127.0.0.1:8731/execute"

[targets]
# repo_sync = "https://git.example.com/hooks/foreman"
# chat_notify = "https://chat.example.com/hooks/foreman"
# doc_sync = "https://docs.example.com/hooks/foreman"
# webhook = "https://hooks.example.com/foreman"
`
