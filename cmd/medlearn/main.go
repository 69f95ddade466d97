package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"medlearn/internal/config"
	"medlearn/internal/logging"
	"medlearn/internal/ratelimit"
	"medlearn/internal/runtime"
	"medlearn/internal/selection"
	"medlearn/internal/session"
	"medlearn/internal/store"
	"medlearn/internal/telemetry"
	"medlearn/internal/types"
)

var (
	// Global flags
	configPath string
	dbPath     string
	actor      string
	verbose    bool

	app *application
)

// application wires the core services for the lifetime of one command.
type application struct {
	cfg      *config.Config
	store    *store.Store
	rdb      *redis.Client
	runtime  *runtime.Controller
	engine   *selection.Engine
	sessions *session.Service
	pipeline *telemetry.Pipeline
	limiter  *ratelimit.Limiter
}

// auditLogSink writes control-plane audit events to the runtime log. A real
// deployment would point this at an append-only audit table.
type auditLogSink struct{}

func (auditLogSink) Emit(ev types.AuditEvent) {
	blob, err := json.Marshal(ev)
	if err != nil {
		return
	}
	logging.Runtime("audit %s", blob)
}

var rootCmd = &cobra.Command{
	Use:   "medlearn",
	Short: "medlearn - adaptive learning core for medical exam practice",
	Long: `medlearn is the server-side adaptive learning core: a versioned
algorithm switchboard, per-learner knowledge state (mastery, revision,
Elo, bandit), deterministic adaptive question selection, and the session
state machine that feeds the telemetry pipeline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initApp()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeApp()
	},
}

func initApp() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	workspace, err := os.Getwd()
	if err != nil {
		return err
	}
	logOpts := logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		JSON:       cfg.Logging.JSONFormat,
	}
	if verbose {
		logOpts.Level = "debug"
	}
	if err := logging.Initialize(workspace, logOpts); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	ctrl := runtime.New(st, cfg, auditLogSink{})
	engine := selection.New(st, cfg)
	pipeline := telemetry.New(st, cfg)
	sessions := session.New(st, cfg, ctrl, engine, rdb)
	sessions.SetFinalizer(pipeline)

	app = &application{
		cfg:      cfg,
		store:    st,
		rdb:      rdb,
		runtime:  ctrl,
		engine:   engine,
		sessions: sessions,
		pipeline: pipeline,
		limiter:  ratelimit.New(rdb, cfg.RateLimit),
	}
	return nil
}

func closeApp() {
	if app == nil {
		return
	}
	if app.rdb != nil {
		_ = app.rdb.Close()
	}
	if app.store != nil {
		_ = app.store.Close()
	}
}

// adminGate rate-limits dangerous control-plane commands per actor. Fails
// closed when the limiter cannot count.
func adminGate(cmd *cobra.Command) error {
	d, err := app.limiter.AllowAdmin(cmd.Context(), actor)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("rate limited: retry in %s", d.RetryAfter)
	}
	return nil
}

// printJSON renders a command result on stdout.
func printJSON(v interface{}) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(blob))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override the SQLite database path")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "cli", "acting admin or learner id for audited operations")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runtimeCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
