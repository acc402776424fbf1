// Package main выпускает токен сотрудника салона для доступа к API лояльности.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/salon-loyalty/internal/middleware"
)

type tokenConfig struct {
	AuthSecret string `env:"AUTH_SECRET"`
}

func main() {
	var cfg tokenConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "parse env:", err)
		os.Exit(1)
	}

	salonID := flag.Int64("salon", 0, "salon id")
	staffID := flag.Int64("staff", 0, "staff id recorded on manual operations")
	flag.StringVar(&cfg.AuthSecret, "s", cfg.AuthSecret, "secret for staff token signatures")
	flag.Parse()

	if *salonID <= 0 || cfg.AuthSecret == "" {
		fmt.Fprintln(os.Stderr, "usage: loyaltytoken -salon ID [-staff ID] [-s SECRET]; AUTH_SECRET or -s is required")
		os.Exit(2)
	}

	fmt.Println(middleware.NewAuthMiddleware(cfg.AuthSecret).IssueToken(*salonID, *staffID))
}
