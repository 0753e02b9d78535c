// cmd/mission-runner/main.go
//
// Thin CLI over the engine operations. Each subcommand opens the project's
// .factory/ state, performs one operation, and exits; the watchdog subcommand
// stays alive and sweeps on an interval.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/macaron-software/factory-engine/internal/config"
	"github.com/macaron-software/factory-engine/internal/engine"
	"github.com/macaron-software/factory-engine/internal/engine/retry"
	"github.com/macaron-software/factory-engine/internal/logbook"
	"github.com/macaron-software/factory-engine/internal/mission"
	"github.com/macaron-software/factory-engine/internal/mission/store"
	"github.com/macaron-software/factory-engine/internal/notify"
	"github.com/macaron-software/factory-engine/internal/pattern"
	"github.com/macaron-software/factory-engine/internal/shellwork"
	"github.com/macaron-software/factory-engine/internal/watchdog"
)

// runtime bundles the wired components every subcommand needs.
type runtime struct {
	cfg    *config.Config
	repo   *store.Repository
	lb     *logbook.Logbook
	router *notify.Router
	engine *engine.Engine
}

func main() {
	_ = godotenv.Load()

	var projectDir string
	root := &cobra.Command{
		Use:           "mission-runner",
		Short:         "Drive factory missions from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&projectDir, "project", "", "project directory (defaults to cwd)")

	bootstrap := func() (*runtime, error) {
		return newRuntime(projectDir)
	}

	root.AddCommand(
		newStartCmd(bootstrap),
		newAdvanceCmd(bootstrap),
		newResumeCmd(bootstrap),
		newCancelCmd(bootstrap),
		newStatusCmd(bootstrap),
		newWatchdogCmd(bootstrap),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRuntime(projectDir string) (*runtime, error) {
	dir := strings.TrimSpace(projectDir)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
		dir = cwd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.InitFactoryDir(dir); err != nil {
		return nil, fmt.Errorf("init .factory: %w", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lb, err := logbook.New(cfg.LogPath())
	if err != nil {
		return nil, fmt.Errorf("open logbook: %w", err)
	}
	repo, err := store.NewRepository(cfg.StateDir())
	if err != nil {
		return nil, fmt.Errorf("open mission store: %w", err)
	}
	router := notify.NewRouter(notify.RouterWithLogger(lb))
	eng, err := engine.New(repo, shellwork.New(dir, lb),
		engine.WithLogger(lb),
		engine.WithSink(router),
		engine.WithQualityGate(shellwork.Gate(dir, lb)),
		engine.WithRetryPolicy(retry.New(
			cfg.Project.Engine.MaxAttempts,
			cfg.Project.Engine.BackoffBase(),
			cfg.Project.Engine.BackoffCap(),
			cfg.Project.Engine.BackoffJitter(),
		)),
		engine.WithPhaseTimeout(cfg.Project.Engine.PhaseTimeout()),
	)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return &runtime{cfg: cfg, repo: repo, lb: lb, router: router, engine: eng}, nil
}

func newStartCmd(bootstrap func() (*runtime, error)) *cobra.Command {
	var run, fanout bool
	cmd := &cobra.Command{
		Use:   "start <blueprint.yaml>",
		Short: "Create a mission from a blueprint file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			bp, err := mission.LoadBlueprint(args[0])
			if err != nil {
				return err
			}
			patternName := bp.Pattern
			if strings.TrimSpace(patternName) == "" {
				patternName = rt.cfg.Project.Workflows.DefaultPattern
			}
			missions := []*mission.Mission{}
			if fanout {
				template, err := mission.New(bp.Name, patternName, bp.Phases, time.Now())
				if err != nil {
					return err
				}
				siblings, err := pattern.Fanout(template, time.Now())
				if err != nil {
					return err
				}
				for _, sibling := range siblings {
					m, err := rt.engine.StartMission(sibling.Name, sibling.Pattern, specsOf(sibling))
					if err != nil {
						return err
					}
					missions = append(missions, m)
				}
				fmt.Printf("Fanned %s out into %d independent missions\n", bp.Name, len(missions))
			} else {
				m, err := rt.engine.StartMission(bp.Name, patternName, bp.Phases)
				if err != nil {
					return err
				}
				missions = append(missions, m)
				fmt.Printf("Mission %s created (%d phases, pattern %s)\n", m.ID, len(m.Phases), patternName)
			}
			if !run {
				return nil
			}
			for _, m := range missions {
				status, err := rt.engine.Advance(cmd.Context(), m.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Mission %s is %s\n", m.ID, status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "advance the mission immediately after creating it")
	cmd.Flags().BoolVar(&fanout, "fanout", false, "expand each phase into its own independent mission")
	return cmd
}

// specsOf rebuilds the phase specs of a constructed mission so StartMission
// can persist it through the engine's validation path.
func specsOf(m *mission.Mission) []mission.PhaseSpec {
	specs := make([]mission.PhaseSpec, 0, len(m.Phases))
	for _, ph := range m.Phases {
		specs = append(specs, mission.PhaseSpec{
			Name:          ph.Name,
			SkipOnFailure: ph.SkipOnFailure,
			CodePhase:     ph.CodePhase,
			Meta:          ph.Meta,
		})
	}
	return specs
}

func newAdvanceCmd(bootstrap func() (*runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <mission-id>",
		Short: "Drive a mission forward until it completes, pauses, or waits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			status, err := rt.engine.Advance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Mission %s is %s\n", args[0], status)
			return nil
		},
	}
}

func newResumeCmd(bootstrap func() (*runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <mission-id>",
		Short: "Grant a paused mission another attempt and drive it forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			if err := rt.engine.Resume(args[0]); err != nil {
				return err
			}
			status, err := rt.engine.Advance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Mission %s is %s\n", args[0], status)
			return nil
		},
	}
}

func newCancelCmd(bootstrap func() (*runtime, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Terminate a mission between phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			if err := rt.engine.Cancel(args[0], reason); err != nil {
				return err
			}
			fmt.Printf("Mission %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the mission")
	return cmd
}

func newStatusCmd(bootstrap func() (*runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status [mission-id]",
		Short: "Show all missions, or the phases of one mission",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return printMission(rt, args[0])
			}
			return printMissionTable(rt)
		},
	}
}

func printMissionTable(rt *runtime) error {
	missions, err := rt.repo.List()
	if err != nil {
		return err
	}
	if len(missions) == 0 {
		fmt.Println("No missions.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPHASES\tUPDATED")
	for _, m := range missions {
		done := 0
		for _, ph := range m.Phases {
			if ph.Status == mission.PhaseSucceeded || ph.Status == mission.PhaseSkipped {
				done++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			m.ID, m.Name, m.Status, done, len(m.Phases),
			m.LastActivity.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func printMission(rt *runtime, id string) error {
	m, err := rt.repo.Load(id)
	if err != nil {
		return err
	}
	fmt.Printf("%s · %s · %s\n", m.Name, m.ID, m.Status)
	if m.LastError != nil {
		fmt.Printf("last error: %s\n", m.LastError)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTATUS\tATTEMPTS\tERROR")
	for _, ph := range m.Phases {
		errText := ""
		if ph.LastError != nil {
			errText = ph.LastError.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ph.Name, ph.Status, ph.Attempts, errText)
	}
	return w.Flush()
}

func newWatchdogCmd(bootstrap func() (*runtime, error)) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Sweep for stalled and paused missions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			wcfg := rt.cfg.Project.Watchdog
			dog, err := watchdog.New(rt.repo, rt.engine,
				watchdog.WithInterval(wcfg.Interval()),
				watchdog.WithStallThreshold(wcfg.StallThreshold()),
				watchdog.WithBatchSize(wcfg.ResumeBatchSize),
				watchdog.WithMaxConcurrent(wcfg.MaxConcurrentResumes),
				watchdog.WithLogger(rt.lb),
				watchdog.WithMetrics(rt.lb),
			)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Mirror mission lifecycle events onto stdout while sweeping.
			sub := rt.router.Subscribe(notify.MissionAll)
			defer sub.Close()
			go func() {
				for ev := range sub.Events {
					fmt.Printf("mission %s is %s (%s)\n", ev.MissionID, ev.Status, ev.Reason)
				}
			}()

			if once {
				revived, err := dog.Scan(ctx)
				if err != nil {
					return err
				}
				if err := dog.Wait(ctx); err != nil {
					return err
				}
				fmt.Printf("Revived %d missions\n", revived)
				return nil
			}
			fmt.Printf("Watchdog sweeping every %s (stall threshold %s)\n", wcfg.Interval(), wcfg.StallThreshold())
			if err := dog.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return dog.Wait(context.Background())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}
