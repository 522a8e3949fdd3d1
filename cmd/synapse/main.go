// Package main is the entry point for the Synapse CLI. Synapse is the
// intelligence orchestration layer of an image-generation service: an event
// bus, a generation pipeline, predictive maintenance, and adaptive tuning,
// driven from one binary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/normanking/synapse/internal/adapter"
	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/config"
	"github.com/normanking/synapse/internal/connector"
	"github.com/normanking/synapse/internal/forecast"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/orchestrator"
	"github.com/normanking/synapse/internal/registry"
	"github.com/normanking/synapse/internal/store"
	"github.com/normanking/synapse/internal/telemetry"
	"github.com/normanking/synapse/internal/tuner"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "synapse",
		Short: "Synapse - intelligence orchestration for image generation",
		Long: `Synapse coordinates the intelligence layer of an image-generation service:
prompt enhancement, validation, generation, quality assessment, context
memory, cross-environment sync, predictive maintenance, and adaptive tuning.

Run a generation:   synapse generate "a lighthouse at dawn"
Watch the bus:      synapse observe
Forecast health:    synapse forecast health.json`,
		PersistentPreRunE: initLogging,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.synapse/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Synapse v%s\n", version)
		},
	})

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(observeCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(tunerCmd())
	rootCmd.AddCommand(modulesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	level := "info"
	if verbose {
		level = "debug"
	}
	logging.Configure(logging.Config{Level: level, Service: "synapse"})
	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

// system bundles everything a command needs to drive the orchestration layer.
type system struct {
	cfg   *config.Config
	bus   *bus.Bus
	orch  *orchestrator.Orchestrator
	guard *connector.Guard
	reg   *registry.Registry
	close func()
}

// buildSystem assembles the full orchestration layer from configuration.
func buildSystem(cfg *config.Config) (*system, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	b := bus.New()

	var dataStore store.DataStore
	sqliteStore, err := store.NewSQLiteStore(cfg.Storage.DataDir)
	if err != nil {
		baseLog := logging.Base()
		baseLog.Warn().Err(err).Msg("sqlite unavailable, falling back to in-memory store")
		dataStore = store.NewMemoryStore()
	} else {
		dataStore = sqliteStore
	}

	db := connector.NewDatabase(b, dataStore)
	guard := connector.NewGuard()
	imageGen := connector.NewImageGen(b, nil)
	validator := connector.NewValidator(b)

	var engine adapter.Engine = &adapter.MockEngine{}
	if cfg.Generate.OpenAIAPIKey != "" {
		if openaiEngine, err := adapter.NewOpenAIEngine(cfg.Generate.OpenAIAPIKey, cfg.Generate.Model); err == nil {
			engine = openaiEngine
		}
	}

	memory := adapter.NewContextMemory(b, db)
	cognitive := adapter.NewCognitive(b, engine)
	vision := adapter.NewVision(b, nil)
	envSync := adapter.NewEnvSync(b, nil)

	var usage *telemetry.UsageTracker
	var errTracker *telemetry.ErrorTracker
	if cfg.Telemetry.Enabled {
		usage = telemetry.NewUsageTracker(b, nil)
		errTracker = telemetry.NewErrorTracker(nil)
	}

	collector := telemetry.NewCollector(b)
	collector.Start()

	reg := registry.New([]registry.Registration{
		{Key: "generation.image", Module: imageGen, Name: imageGen.ModuleName(), Version: version},
		{Key: "generation.prompt", Module: cognitive, Name: cognitive.ModuleName(), Version: version},
		{Key: "memory.context", Module: memory, Name: memory.ModuleName(), Version: version},
		{Key: "vision.quality", Module: vision, Name: vision.ModuleName(), Version: version},
		{Key: "sync.environment", Module: envSync, Name: envSync.ModuleName(), Version: version},
		{Key: "guard.anomaly", Module: guard, Name: guard.ModuleName(), Version: version},
		{Key: "telemetry.metrics", Module: collector, Name: collector.ModuleName(), Version: version},
		{Key: "validation.prompt", Module: validator, Name: validator.ModuleName(), Version: version},
	})

	orch := orchestrator.New(orchestrator.Options{
		UserID:         cfg.UserID,
		EnableAutoSync: cfg.Sync.EnableAutoSync,
	}, orchestrator.Deps{
		Bus:          b,
		Cognitive:    cognitive,
		Memory:       memory,
		Vision:       vision,
		EnvSync:      envSync,
		Intelligence: engine,
		ImageGen:     imageGen,
		Validator:    validator,
		Guard:        guard,
		Usage:        usage,
		Errors:       errTracker,
	})

	if cfg.Sync.EnableAutoSync {
		envSync.EnableAutoSync(cfg.Sync.Interval)
	}

	return &system{
		cfg:   cfg,
		bus:   b,
		orch:  orch,
		guard: guard,
		reg:   reg,
		close: func() {
			envSync.DisableAutoSync()
			collector.Stop()
			orch.Close()
			b.Close()
		},
	}, nil
}

func generateCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run one prompt through the full generation pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sys, err := buildSystem(cfg)
			if err != nil {
				return err
			}
			defer sys.close()

			ctx := cmd.Context()
			sys.orch.StartSession(ctx, userID, "")
			result := sys.orch.RunGenerationPipeline(ctx, args[0], userID)
			session := sys.orch.EndSession(ctx)

			return printJSON(map[string]any{
				"result":  result,
				"session": session,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to attribute the run to")
	return cmd
}

func observeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "observe",
		Short: "Serve the websocket event observer and stream bus activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sys, err := buildSystem(cfg)
			if err != nil {
				return err
			}
			defer sys.close()

			observerCfg := bus.DefaultObserverConfig()
			observerCfg.Port = cfg.Observer.Port
			observer := bus.NewObserver(sys.bus, observerCfg)
			if err := observer.Start(); err != nil {
				return err
			}
			defer observer.Stop()

			fmt.Printf("Observing events on ws://localhost:%d/events (Ctrl-C to stop)\n", cfg.Observer.Port)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

func forecastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forecast [health-log.json]",
		Short: "Run the predictive maintenance pipeline over a health-log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read health log: %w", err)
			}
			var logs []forecast.HealthLog
			if err := json.Unmarshal(data, &logs); err != nil {
				return fmt.Errorf("parse health log: %w", err)
			}

			tn, err := tuner.New(tuner.Options{Path: cfg.Storage.TunerPath})
			if err != nil {
				return err
			}
			defer tn.Close()

			engine := forecast.NewEngine(forecast.Options{Tuner: tn})
			summary := engine.Forecast(cmd.Context(), logs)
			return printJSON(summary)
		},
	}
}

func tunerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tuner",
		Short: "Inspect and manage adaptive tuning state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show tuning adjustment statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			tn, err := openTuner()
			if err != nil {
				return err
			}
			defer tn.Close()
			return printJSON(tn.GetStats())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset [module]",
		Short: "Revert one module (or all modules) to the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			tn, err := openTuner()
			if err != nil {
				return err
			}
			defer tn.Close()

			if len(args) == 0 {
				tn.ResetAll(cmd.Context())
				fmt.Println("All modules reset to defaults.")
				return nil
			}
			tn.Reset(cmd.Context(), args[0])
			fmt.Printf("Module %s reset to defaults.\n", args[0])
			return nil
		},
	})

	return cmd
}

func openTuner() (*tuner.Tuner, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return tuner.New(tuner.Options{Path: cfg.Storage.TunerPath})
}

func modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "Show the module registry health and stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sys, err := buildSystem(cfg)
			if err != nil {
				return err
			}
			defer sys.close()

			return printJSON(map[string]any{
				"health": sys.reg.HealthCheck(),
				"stats":  sys.reg.GetStats(),
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})

	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
