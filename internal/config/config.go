package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type EngineConfig struct {
	WorkerLimit               int           `yaml:"worker_limit"`
	DefaultStepTimeoutSeconds int           `yaml:"default_step_timeout_seconds"`
	PollIntervalMillis        int           `yaml:"poll_interval_millis"`
	EventSinkURL              string        `yaml:"event_sink_url"`
	Breaker                   BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	CooldownSeconds   int `yaml:"cooldown_seconds"`
	HalfOpenMaxProbes int `yaml:"half_open_max_probes"`
}

type SchedulerConfig struct {
	TickIntervalMillis      int `yaml:"tick_interval_millis"`
	RunLeaseSeconds         int `yaml:"run_lease_seconds"`
	CatchUpCap              int `yaml:"catch_up_cap"`
	GracefulShutdownSeconds int `yaml:"graceful_shutdown_seconds"`
}

type WorkerConfig struct {
	Enabled            bool              `yaml:"enabled"`
	Queues             []string          `yaml:"queues"`
	Handlers           map[string]string `yaml:"handlers"`
	PollIntervalMillis int               `yaml:"poll_interval_millis"`
	LeaseSeconds       int               `yaml:"lease_seconds"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8200,
		},
		Engine: EngineConfig{
			WorkerLimit:               16,
			DefaultStepTimeoutSeconds: 30,
			PollIntervalMillis:        500,
			Breaker: BreakerConfig{
				FailureThreshold:  5,
				CooldownSeconds:   30,
				HalfOpenMaxProbes: 1,
			},
		},
		Scheduler: SchedulerConfig{
			TickIntervalMillis:      1000,
			RunLeaseSeconds:         60,
			CatchUpCap:              100,
			GracefulShutdownSeconds: 30,
		},
		Worker: WorkerConfig{
			PollIntervalMillis: 500,
			LeaseSeconds:       60,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("WINDLASS_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("WINDLASS_SERVER_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("WINDLASS_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("WINDLASS_EVENT_SINK_URL")); v != "" {
		cfg.Engine.EventSinkURL = v
	}
	if v := strings.TrimSpace(os.Getenv("WINDLASS_ENGINE_WORKER_LIMIT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Engine.WorkerLimit = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("WINDLASS_SCHEDULER_TICK_MILLIS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.TickIntervalMillis = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("WINDLASS_WORKER_ENABLED")); v != "" {
		cfg.Worker.Enabled = v == "true" || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("WINDLASS_WORKER_QUEUES")); v != "" {
		cfg.Worker.Queues = strings.Split(v, ",")
	}

	return cfg, nil
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
