package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/api"
	"github.com/BTreeMap/ReplyPipe/internal/flow"
	"github.com/BTreeMap/ReplyPipe/internal/lockfile"
	"github.com/BTreeMap/ReplyPipe/internal/messaging"
	"github.com/BTreeMap/ReplyPipe/internal/metrics"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/recovery"
	"github.com/BTreeMap/ReplyPipe/internal/scheduler"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReplyPipe/internal/util"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReplyPipe state data
	DefaultStateDir = "/var/lib/replypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "replypipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultSweepTimeout bounds one due-sweep run
	DefaultSweepTimeout = 50 * time.Second
)

// logLevel is shared by the default handler so flags can change it after
// the environment has been read.
var logLevel = new(slog.LevelVar)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	logLevel.Set(parseLogLevel(*flags.logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ReplyPipe with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("ReplyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReplyPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	APIAddr          string
	FlowsFile        string
	SweepSchedule    string
	DispatchTimeout  time.Duration
	JobPollInterval  time.Duration
	WhatsAppEnabled  bool
	WhatsAppDSN      string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioPublicURL  string
	WebhookURL       string
	WebhookToken     string
	LogLevel         string
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	redisAddr       *string
	redisPassword   *string
	apiAddr         *string
	flowsFile       *string
	sweepSchedule   *string
	dispatchTimeout *time.Duration
	jobPollInterval *time.Duration
	whatsapp        *bool
	whatsappDSN     *string
	qrOutput        *string
	numeric         *bool
	twilioSID       *string
	twilioToken     *string
	twilioFrom      *string
	twilioPublicURL *string
	webhookURL      *string
	webhookToken    *string
	logLevel        *string
}

// initializeLogger sets up structured logging; the level starts at debug
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL values to slog levels, defaulting to debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("REPLYPIPE_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		APIAddr:          util.GetEnvDefault("API_ADDR", api.DefaultAddr),
		FlowsFile:        os.Getenv("FLOWS_FILE"),
		SweepSchedule:    util.GetEnvDefault("SWEEP_SCHEDULE", scheduler.DefaultSweepSchedule),
		DispatchTimeout:  util.ParseDurationEnv("DISPATCH_TIMEOUT", flow.DefaultDispatchTimeout),
		JobPollInterval:  util.ParseDurationEnv("JOB_POLL_INTERVAL", store.DefaultJobPollInterval),
		WhatsAppEnabled:  util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioPublicURL:  os.Getenv("TWILIO_PUBLIC_URL"),
		WebhookURL:       os.Getenv("WEBHOOK_URL"),
		WebhookToken:     os.Getenv("WEBHOOK_TOKEN"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REPLYPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("REPLYPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"REPLYPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR", config.RedisAddr,
		"API_ADDR", config.APIAddr,
		"FLOWS_FILE", config.FlowsFile,
		"SWEEP_SCHEDULE", config.SweepSchedule,
		"DISPATCH_TIMEOUT", config.DispatchTimeout,
		"JOB_POLL_INTERVAL", config.JobPollInterval,
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"WEBHOOK_URL_SET", config.WebhookURL != "")

	return config
}

// parseCommandLineFlags parses args with environment defaults. The database
// and WhatsApp DSNs default to files under the state directory when unset.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for ReplyPipe data (overrides $REPLYPIPE_STATE_DIR)"),
		dbDSN:           fs.String("db-dsn", config.DatabaseURL, "SQLite path or Postgres DSN (overrides $DATABASE_URL)"),
		redisAddr:       fs.String("redis-addr", config.RedisAddr, "Redis address for execution state (overrides $REDIS_ADDR)"),
		redisPassword:   fs.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		flowsFile:       fs.String("flows-file", config.FlowsFile, "YAML flows file to load and watch (overrides $FLOWS_FILE)"),
		sweepSchedule:   fs.String("sweep-schedule", config.SweepSchedule, "cron schedule for the due-delay sweep (overrides $SWEEP_SCHEDULE)"),
		dispatchTimeout: fs.Duration("dispatch-timeout", config.DispatchTimeout, "timeout for a single reply dispatch (overrides $DISPATCH_TIMEOUT)"),
		jobPollInterval: fs.Duration("job-poll-interval", config.JobPollInterval, "durable job poll interval (overrides $JOB_POLL_INTERVAL)"),
		whatsapp:        fs.Bool("whatsapp", config.WhatsAppEnabled, "enable the whatsmeow WhatsApp channel (overrides $WHATSAPP_ENABLED)"),
		whatsappDSN:     fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:        fs.String("qr-output", "", "path to write login QR code"),
		numeric:         fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		twilioSID:       fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:     fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:      fs.String("twilio-from", config.TwilioFromNumber, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
		twilioPublicURL: fs.String("twilio-public-url", config.TwilioPublicURL, "public URL of the Twilio webhook, enables signature checks (overrides $TWILIO_PUBLIC_URL)"),
		webhookURL:      fs.String("webhook-url", config.WebhookURL, "outbound webhook URL for the webhook channel (overrides $WEBHOOK_URL)"),
		webhookToken:    fs.String("webhook-token", config.WebhookToken, "bearer token for outbound webhook calls (overrides $WEBHOOK_TOKEN)"),
		logLevel:        fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if *flags.dbDSN == "" && *flags.redisAddr == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}
	if *flags.whatsappDSN == "" {
		*flags.whatsappDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisAddr", *flags.redisAddr,
		"apiAddr", *flags.apiAddr,
		"flowsFile", *flags.flowsFile,
		"sweepSchedule", *flags.sweepSchedule,
		"whatsapp", *flags.whatsapp,
		"twilio", *flags.twilioSID != "",
		"webhook", *flags.webhookURL != "")

	return flags, nil
}

// ensureDirectoriesExist creates the state directory and, for a SQLite DSN,
// the database file's directory.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == store.DSNTypeSQLite {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	switch {
	case *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == store.DSNTypePostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	case *flags.redisAddr != "":
		slog.Debug("Redis address set, configuring Redis store", "redis_addr", *flags.redisAddr)
		storeOpts = append(storeOpts, store.WithRedisAddr(*flags.redisAddr))
		if *flags.redisPassword != "" {
			storeOpts = append(storeOpts, store.WithRedisPassword(*flags.redisPassword))
		}
	case *flags.dbDSN != "":
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// openStore picks the backend: Postgres for a Postgres DSN, Redis when an
// address is set, SQLite otherwise.
func openStore(flags Flags) (store.Store, error) {
	opts := buildStoreOptions(flags)
	switch {
	case *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == store.DSNTypePostgres:
		return store.NewPostgresStore(opts...)
	case *flags.redisAddr != "":
		return store.NewRedisStore(opts...)
	case *flags.dbDSN != "":
		return store.NewSQLiteStore(opts...)
	default:
		slog.Warn("No store configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(*flags.twilioSID),
		twiliowhatsapp.WithAuthToken(*flags.twilioToken),
		twiliowhatsapp.WithFromWhats(*flags.twilioFrom),
	}
}

// buildWebhookOptions constructs webhook channel options
func buildWebhookOptions(flags Flags) []messaging.WebhookOption {
	var opts []messaging.WebhookOption
	if *flags.webhookToken != "" {
		opts = append(opts, messaging.WithWebhookHeader("Authorization", "Bearer "+*flags.webhookToken))
	}
	return opts
}

// channels is what buildChannels produced.
type channels struct {
	router   *messaging.Router
	twilio   *messaging.TwilioService
	whatsapp *whatsapp.Client
}

// buildChannels creates one service per configured channel. The webhook
// channel is always present so POST /messages can be answered.
func buildChannels(flags Flags) (*channels, error) {
	out := &channels{router: messaging.NewRouter()}

	if *flags.whatsapp {
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("whatsapp client: %w", err)
		}
		out.whatsapp = client
		out.router.Register(messaging.NewWhatsAppService(client))
	}

	if *flags.twilioSID != "" {
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if *flags.twilioPublicURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(*flags.twilioToken, *flags.twilioPublicURL))
		} else {
			slog.Warn("TWILIO_PUBLIC_URL not set, Twilio webhook signatures are not verified")
		}
		out.twilio = messaging.NewTwilioService(client, opts...)
		out.router.Register(out.twilio)
	}

	out.router.Register(messaging.NewWebhookService(*flags.webhookURL, buildWebhookOptions(flags)...))
	return out, nil
}

// buildWaker returns a JobWaker backed by a JobRunner when the store keeps
// durable jobs, and a TimerWaker otherwise.
func buildWaker(st store.Store, flags Flags) (flow.Waker, *store.JobRunner) {
	if repo, ok := st.(store.JobRepo); ok {
		runner := store.NewJobRunner(repo, *flags.jobPollInterval)
		slog.Debug("Using durable job waker", "poll_interval", *flags.jobPollInterval)
		return flow.NewJobWaker(repo, runner), runner
	}
	slog.Debug("Using in-process timer waker")
	return flow.NewTimerWaker(nil), nil
}

// stopWaker cancels pending in-process wake-ups. Durable wakers have nothing
// to stop.
func stopWaker(w flow.Waker) {
	if s, ok := w.(interface{ Stop() }); ok {
		s.Stop()
	}
}

// startDelivery starts the channel services, then recovers component state.
// Recovery may fire due delays, and those replies need a started channel.
func startDelivery(ctx context.Context, router *messaging.Router, rm *recovery.RecoveryManager) error {
	if err := router.Start(ctx); err != nil {
		return err
	}
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery finished with errors; the due sweep will retry", "error", err)
	}
	return nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, m *metrics.Metrics, twilio *messaging.TwilioService) []api.Option {
	apiOpts := []api.Option{api.WithMetrics(m)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilio != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilio.TwilioWebhookHandler))
	}
	return apiOpts
}

// run wires every module and serves the API until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) && lockErr.Holder.PID != 0 {
			slog.Error("State directory is in use", "holder", lockErr.Holder.String())
		}
		return err
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	m := metrics.New()

	chans, err := buildChannels(flags)
	if err != nil {
		return err
	}
	if chans.whatsapp != nil {
		defer chans.whatsapp.Disconnect()
	}

	waker, runner := buildWaker(st, flags)
	// Deferred after st.Close, so timers are stopped before the store closes.
	defer stopWaker(waker)
	engine := flow.NewEngine(st, chans.router,
		flow.WithWaker(waker),
		flow.WithMetrics(m),
		flow.WithDispatchTimeout(*flags.dispatchTimeout),
	)

	rm := recovery.NewRecoveryManager(st)
	if runner != nil {
		rm.RegisterRecoverable(recovery.NewJobRunnerRecoverable(runner))
	}
	rm.RegisterRecoverable(engine)
	if err := startDelivery(ctx, chans.router, rm); err != nil {
		return err
	}
	defer chans.router.Stop()

	if *flags.flowsFile != "" {
		watcher := store.NewFlowsFileWatcher(*flags.flowsFile, func(ctx context.Context, flows []models.FlowDefinition) {
			n := engine.RegisterFlows(ctx, flows)
			slog.Info("Registered flows from file", "path", *flags.flowsFile, "registered", n, "total", len(flows))
		})
		if err := watcher.Load(ctx); err != nil {
			return fmt.Errorf("load flows file: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				slog.Error("Flows file watcher stopped", "error", err)
			}
		}()
	}

	sched := scheduler.NewScheduler()
	if err := scheduler.ScheduleSweep(sched, *flags.sweepSchedule, scheduler.NewSweep(engine, DefaultSweepTimeout)); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	if runner != nil {
		go runner.Run(ctx)
	}

	ingestor := messaging.NewIngestor(st, engine, m)
	go ingestor.Run(ctx, chans.router.Services()...)

	return api.NewServer(engine, ingestor, buildAPIOptions(flags, m, chans.twilio)...).Run(ctx)
}
