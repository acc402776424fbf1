// Package config содержит логику чтения конфигурации сервиса лояльности.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// DefaultJobsSchedule запускает ежедневный обход в 03:00 UTC.
const DefaultJobsSchedule = "0 3 * * *"

// Config содержит параметры конфигурации сервиса лояльности.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	AuthSecret   string `env:"AUTH_SECRET"`
	JobsSchedule string `env:"JOBS_SCHEDULE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envJobsSchedule := cfg.JobsSchedule

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for staff token signatures")
	flag.StringVar(&cfg.JobsSchedule, "j", DefaultJobsSchedule, "cron schedule of the daily loyalty sweep")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envJobsSchedule != "" {
		cfg.JobsSchedule = envJobsSchedule
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.JobsSchedule == "" {
		cfg.JobsSchedule = DefaultJobsSchedule
	}

	return cfg, nil
}
