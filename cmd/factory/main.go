// cmd/factory/main.go
//
// Entry point for the interactive factory dashboard. Running `factory` in a
// project directory initializes .factory/ and opens the mission board.

package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/macaron-software/factory-engine/internal/config"
	"github.com/macaron-software/factory-engine/internal/engine"
	"github.com/macaron-software/factory-engine/internal/engine/retry"
	"github.com/macaron-software/factory-engine/internal/logbook"
	"github.com/macaron-software/factory-engine/internal/mission/store"
	"github.com/macaron-software/factory-engine/internal/shellwork"
	"github.com/macaron-software/factory-engine/internal/tui"
)

func main() {
	// A missing .env is fine; explicit environment still applies.
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		os.Exit(1)
	}
	if err := config.InitFactoryDir(cwd); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing .factory directory: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.NewConfig(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	lb, err := logbook.New(cfg.LogPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening logbook: %v\n", err)
		os.Exit(1)
	}
	repo, err := store.NewRepository(cfg.StateDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening mission store: %v\n", err)
		os.Exit(1)
	}
	eng, err := engine.New(repo, shellwork.New(cwd, lb),
		engine.WithLogger(lb),
		engine.WithQualityGate(shellwork.Gate(cwd, lb)),
		engine.WithRetryPolicy(retry.New(
			cfg.Project.Engine.MaxAttempts,
			cfg.Project.Engine.BackoffBase(),
			cfg.Project.Engine.BackoffCap(),
			cfg.Project.Engine.BackoffJitter(),
		)),
		engine.WithPhaseTimeout(cfg.Project.Engine.PhaseTimeout()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building engine: %v\n", err)
		os.Exit(1)
	}
	lb.Info("Dashboard opened in %s", cwd)

	p := tea.NewProgram(tui.NewApp(eng, repo, lb), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
