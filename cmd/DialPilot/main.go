package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/DialPilot/internal/api"
	"github.com/BTreeMap/DialPilot/internal/flow"
	"github.com/BTreeMap/DialPilot/internal/genai"
	"github.com/BTreeMap/DialPilot/internal/ivrsim"
	"github.com/BTreeMap/DialPilot/internal/lockfile"
	"github.com/BTreeMap/DialPilot/internal/models"
	"github.com/BTreeMap/DialPilot/internal/scheduler"
	"github.com/BTreeMap/DialPilot/internal/store"
	"github.com/BTreeMap/DialPilot/internal/twilioivr"
	"github.com/BTreeMap/DialPilot/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DialPilot state data
	DefaultStateDir = "/var/lib/dialpilot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dialpilot.db"
)

// DefaultMonitorTimeout bounds a single scheduled monitor call.
const DefaultMonitorTimeout = 5 * time.Minute

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "endpoint", *flags.endpoint, "mode", *flags.mode)
	if err := run(ctx, flags); err != nil {
		slog.Error("DialPilot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DialPilot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseDSN string
	Endpoint    string
	Mode        string
	MaxSteps    int
	OpenAIKey   string
	APIAddr     string
	MonitorCron string
}

// Flags holds command line flag values
type Flags struct {
	endpoint    *string
	mode        *string
	maxSteps    *int
	legDelay    *time.Duration
	diagram     *bool
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	serveAPI    *bool
	apiAddr     *string
	monitorCron *string
	simAddr     *string
	suggest     *string
	goal        *string
	summarize   *string
}

// initializeLogger sets up structured logging with debug level. Logs go to
// stderr so that stdout stays clean for report output.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("DIALPILOT_STATE_DIR"),
		DatabaseDSN: os.Getenv("DATABASE_URL"),
		Endpoint:    os.Getenv("DIALPILOT_ENDPOINT"),
		Mode:        os.Getenv("DIALPILOT_MODE"),
		MaxSteps:    util.ParseIntEnv("DIALPILOT_MAX_STEPS", flow.DefaultMaxSteps),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("DIALPILOT_API_ADDR"),
		MonitorCron: os.Getenv("DIALPILOT_MONITOR_CRON"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DIALPILOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("DIALPILOT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	// Scripted sessions are the default; exploratory must be asked for
	if config.Mode == "" {
		config.Mode = string(models.SessionModeScripted)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"DIALPILOT_STATE_DIR", config.StateDir,
		"DIALPILOT_ENDPOINT", config.Endpoint,
		"DIALPILOT_MODE", config.Mode,
		"DIALPILOT_MAX_STEPS", config.MaxSteps,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DIALPILOT_API_ADDR", config.APIAddr,
		"DIALPILOT_MONITOR_CRON", config.MonitorCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		endpoint:    flag.String("endpoint", config.Endpoint, "IVR endpoint URL to call (overrides $DIALPILOT_ENDPOINT)"),
		mode:        flag.String("mode", config.Mode, "session mode: scripted or exploratory (overrides $DIALPILOT_MODE)"),
		maxSteps:    flag.Int("max-steps", config.MaxSteps, "maximum steps before a session is abandoned (overrides $DIALPILOT_MAX_STEPS)"),
		legDelay:    flag.Duration("leg-delay", 0, "extra delay between call legs (0 uses the dispatcher default)"),
		diagram:     flag.Bool("diagram", false, "print a Mermaid state diagram after a single call"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for DialPilot data (overrides $DIALPILOT_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseDSN, "database DSN for the report store (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		serveAPI:    flag.Bool("serve", false, "run the management API server"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $DIALPILOT_API_ADDR)"),
		monitorCron: flag.String("monitor-cron", config.MonitorCron, "cron schedule for recurring monitor calls (overrides $DIALPILOT_MONITOR_CRON)"),
		simAddr:     flag.String("sim-addr", "", "serve the built-in pharmacy IVR simulator on this address and exit on interrupt"),
		suggest:     flag.String("suggest", "", "ask the language model which key to press for the given menu prompt, then exit"),
		goal:        flag.String("goal", "check the status of a prescription refill", "goal passed to the language model with -suggest"),
		summarize:   flag.String("summarize", "", "summarize the stored report with the given call ID, then exit"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"endpoint", *flags.endpoint,
		"mode", *flags.mode,
		"maxSteps", *flags.maxSteps,
		"legDelay", *flags.legDelay,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"serveAPI", *flags.serveAPI,
		"apiAddr", *flags.apiAddr,
		"monitorCron", *flags.monitorCron,
		"simAddr", *flags.simAddr)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// run picks the operating mode from parsed flags and executes it.
func run(ctx context.Context, flags Flags) error {
	// Simulator and suggestion modes do not place calls and need no store.
	if *flags.simAddr != "" {
		return runSimulator(ctx, flags)
	}
	if *flags.suggest != "" {
		return runSuggest(ctx, flags)
	}

	storeOpts := buildStoreOptions(flags)
	st, err := newStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to open report store: %w", err)
	}
	defer st.Close()

	if *flags.summarize != "" {
		return runSummarize(ctx, flags, st)
	}

	runner, err := newCallRunner(flags)
	if err != nil {
		return err
	}

	if *flags.serveAPI || *flags.monitorCron != "" {
		return runService(ctx, flags, runner, st)
	}
	return runSingleCall(ctx, flags, runner, st)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		// Check if it's a PostgreSQL DSN using the shared detection function
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			// Assume SQLite for file paths
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// buildSimOptions constructs simulator configuration options
func buildSimOptions() []ivrsim.Option {
	var simOpts []ivrsim.Option
	if rx := os.Getenv("DIALPILOT_SIM_READY_RX"); rx != "" {
		simOpts = append(simOpts, ivrsim.WithReadyPrescription(rx))
	}
	if util.ParseBoolEnv("DIALPILOT_SIM_BLANK_AFTER_ENTRY", false) {
		simOpts = append(simOpts, ivrsim.WithBlankAfterEntry())
	}
	return simOpts
}

// newStore opens the report store selected by the configured options, falling
// back to the in-memory store when no DSN was given.
func newStore(storeOpts []store.Option) (store.Store, error) {
	if len(storeOpts) == 0 {
		return store.NewInMemoryStore(), nil
	}
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}

// callRunner assembles a fresh endpoint client and driver for every call so
// that sessions never share transport state. It implements api.CallRunner.
type callRunner struct {
	endpoint string
	mode     models.SessionMode
	maxSteps int
	legDelay time.Duration
}

func newCallRunner(flags Flags) (*callRunner, error) {
	mode := models.SessionMode(*flags.mode)
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	return &callRunner{
		endpoint: *flags.endpoint,
		mode:     mode,
		maxSteps: *flags.maxSteps,
		legDelay: *flags.legDelay,
	}, nil
}

// RunCall places one call against the configured endpoint. Fields set on the
// request override the runner defaults for that call only.
func (cr *callRunner) RunCall(ctx context.Context, req models.CallRequest) (*models.CallReport, error) {
	endpoint := cr.endpoint
	if req.Endpoint != "" {
		endpoint = req.Endpoint
	}
	mode := cr.mode
	if req.Mode != "" {
		mode = req.Mode
	}
	maxSteps := cr.maxSteps
	if req.MaxSteps > 0 {
		maxSteps = req.MaxSteps
	}

	var clientOpts []twilioivr.Option
	if endpoint != "" {
		clientOpts = append(clientOpts, twilioivr.WithEndpoint(endpoint))
	}
	client, err := twilioivr.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint client: %w", err)
	}

	var dispatchOpts []flow.DispatchOption
	if cr.legDelay > 0 {
		dispatchOpts = append(dispatchOpts, flow.WithInterLegDelay(cr.legDelay))
	}
	dispatcher := flow.NewDispatcher(client, dispatchOpts...)
	driver := flow.NewDriver(client, dispatcher,
		flow.WithMode(mode),
		flow.WithMaxSteps(maxSteps),
		flow.WithEndpoint(client.Endpoint()),
	)

	report, _, err := driver.RunReport(ctx)
	return report, err
}

// runSingleCall places one call, stores the report and prints it to stdout.
func runSingleCall(ctx context.Context, flags Flags, runner *callRunner, st store.Store) error {
	slog.Info("Placing call", "endpoint", *flags.endpoint, "mode", *flags.mode, "max_steps", *flags.maxSteps)

	report, err := runner.RunCall(ctx, models.CallRequest{})
	if report != nil {
		if saveErr := st.SaveReport(*report); saveErr != nil {
			slog.Warn("Failed to save call report", "error", saveErr, "call_id", report.ID)
		}
		out, marshalErr := json.MarshalIndent(report, "", "  ")
		if marshalErr != nil {
			return fmt.Errorf("failed to encode call report: %w", marshalErr)
		}
		fmt.Println(string(out))
		if *flags.diagram {
			fmt.Println(flow.Diagram(report))
		}
	}
	return err
}

// runService runs the management API server and/or the recurring monitor
// until the context is cancelled. A state lock prevents concurrent instances
// from writing to the same state directory.
func runService(ctx context.Context, flags Flags, runner *callRunner, st store.Store) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}
	defer lock.Release()

	if *flags.monitorCron != "" {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		if err := sched.AddJob(*flags.monitorCron, func() { runMonitorCall(runner, st) }); err != nil {
			return fmt.Errorf("failed to schedule monitor calls: %w", err)
		}
		slog.Info("Monitor calls scheduled", "cron", *flags.monitorCron, "endpoint", *flags.endpoint)
	}

	if *flags.serveAPI {
		apiOpts := buildAPIOptions(flags)
		srv := api.NewServer(runner, st, apiOpts...)
		return srv.Run(ctx)
	}

	<-ctx.Done()
	return nil
}

// runMonitorCall places one scheduled call and stores the resulting report.
func runMonitorCall(runner *callRunner, st store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultMonitorTimeout)
	defer cancel()

	report, err := runner.RunCall(ctx, models.CallRequest{})
	if report != nil {
		if saveErr := st.SaveReport(*report); saveErr != nil {
			slog.Warn("Failed to save monitor report", "error", saveErr, "call_id", report.ID)
		}
	}
	if err != nil {
		slog.Error("Monitor call failed", "error", err)
		return
	}
	slog.Info("Monitor call finished", "call_id", report.ID, "final_state", report.FinalState, "completed", report.Completed)
}

// runSimulator serves the built-in pharmacy IVR simulator over HTTP.
func runSimulator(ctx context.Context, flags Flags) error {
	sim := ivrsim.New(buildSimOptions()...)

	srv := &http.Server{Addr: *flags.simAddr, Handler: sim}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("IVR simulator listening", "addr", *flags.simAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runSuggest asks the language model which key to press for a menu prompt and
// prints the suggestion to stdout.
func runSuggest(ctx context.Context, flags Flags) error {
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}
	key, err := client.SuggestKey(ctx, *flags.suggest, *flags.goal)
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

// runSummarize prints a language model summary of a stored call report.
func runSummarize(ctx context.Context, flags Flags, st store.Store) error {
	report, err := st.GetReport(*flags.summarize)
	if err != nil {
		return fmt.Errorf("failed to load call report: %w", err)
	}
	if report == nil {
		return fmt.Errorf("no report found for call %s", *flags.summarize)
	}

	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}
	summary, err := client.SummarizeReport(ctx, report)
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}
