// Package main implements the exchange_sync binary that pulls Bitrix24 CRM records into
// PostgreSQL and exchanges EnterpriseData messages with 1C.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/exchange_sync/internal/log"
)

// BitrixOptions configure the CRM connection
type BitrixOptions struct {
	WebhookURL        string        `long:"webhook-url" env:"EXCHANGE_SYNC_BITRIX_WEBHOOK_URL" description:"Inbound webhook URL, e.g. https://example.bitrix24.ru/rest/1/token"`
	RequestsPerSecond float64       `long:"rps" env:"EXCHANGE_SYNC_BITRIX_RPS" description:"Ceiling of REST calls per second" default:"2"`
	Timeout           time.Duration `long:"timeout" env:"EXCHANGE_SYNC_BITRIX_TIMEOUT" description:"Timeout of a single REST call" default:"30s"`
	ApplicationToken  string        `long:"application-token" env:"EXCHANGE_SYNC_BITRIX_APPLICATION_TOKEN" description:"Token expected on outbound event webhooks"`
	ContractTypeID    int           `long:"contract-type-id" env:"EXCHANGE_SYNC_BITRIX_CONTRACT_TYPE_ID" description:"Smart process entity type id holding contracts, 0 disables contracts" default:"0"`
}

// SyncOptions tune the sync loop
type SyncOptions struct {
	ChunkSize        int               `long:"chunk-size" env:"EXCHANGE_SYNC_CHUNK_SIZE" description:"Records fetched per chunk" default:"50"`
	Workers          int               `long:"workers" env:"EXCHANGE_SYNC_WORKERS" description:"Records processed concurrently within a chunk" default:"4"`
	MaxChunks        int               `long:"max-chunks" env:"EXCHANGE_SYNC_MAX_CHUNKS" description:"Chunks per cycle before yielding to the next type" default:"100"`
	MaxRetries       int               `long:"max-retries" env:"EXCHANGE_SYNC_MAX_RETRIES" description:"Retries of a failed record before it is marked as error" default:"5"`
	RetryBaseDelay   time.Duration     `long:"retry-base-delay" env:"EXCHANGE_SYNC_RETRY_BASE_DELAY" description:"Delay after the first failure, doubled per retry" default:"1m"`
	RetryMaxDelay    time.Duration     `long:"retry-max-delay" env:"EXCHANGE_SYNC_RETRY_MAX_DELAY" description:"Upper bound of the retry delay" default:"1h"`
	StaleLockMinutes int               `long:"stale-lock-minutes" env:"EXCHANGE_SYNC_STALE_LOCK_MINUTES" description:"Minutes after which a processing change is reclaimed" default:"15"`
	RetryBatchSize   int               `long:"retry-batch-size" env:"EXCHANGE_SYNC_RETRY_BATCH_SIZE" description:"Changes claimed per retry pass" default:"100"`
	Schedule         string            `long:"schedule" env:"EXCHANGE_SYNC_SCHEDULE" description:"Cron expression or @every duration of full passes" default:"@every 15m"`
	RunOnStart       bool              `long:"run-on-start" env:"EXCHANGE_SYNC_RUN_ON_START" description:"Run a pass immediately after start"`
	MinDates         map[string]string `long:"min-date" env:"EXCHANGE_SYNC_MIN_DATES" env-delim:"," description:"Starting watermark of a never synced type, e.g. Company:2024-01-01"`
	AlertThresholds  map[string]int    `long:"alert-threshold" env:"EXCHANGE_SYNC_ALERT_THRESHOLDS" env-delim:"," description:"Errors per cycle that raise an alert, e.g. Invoice:10"`
}

// CacheOptions configure the reference lookup cache
type CacheOptions struct {
	RedisURL string `long:"redis-url" env:"EXCHANGE_SYNC_REDIS_URL" description:"Redis URL; an in-process cache is used when empty"`
	Prefix   string `long:"prefix" env:"EXCHANGE_SYNC_CACHE_PREFIX" description:"Key prefix in Redis" default:"exchange_sync:"`
	Size     int    `long:"size" env:"EXCHANGE_SYNC_CACHE_SIZE" description:"Entries of the in-process cache" default:"10000"`
	Preload  bool   `long:"preload" env:"EXCHANGE_SYNC_CACHE_PRELOAD" description:"Load the key maps of referenced models at start"`
}

// SyncCommand runs the scheduler, the default
type SyncCommand struct {
	Once bool `long:"once" description:"Run a single pass and retry pass, then exit"`
}

// ImportCommand imports an EnterpriseData message
type ImportCommand struct {
	File string `short:"f" long:"file" description:"Message file, - for stdin" required:"true"`
}

// ExportCommand exports stored entities as an EnterpriseData message
type ExportCommand struct {
	Type  string `short:"t" long:"type" description:"EnterpriseData object type, e.g. Справочник.Контрагенты" required:"true"`
	File  string `short:"f" long:"file" description:"Output file, stdout when empty"`
	Limit int    `long:"limit" description:"Maximum entities exported, 0 for all" default:"0"`
}

// Config holds the application configuration
type Config struct {
	PostgresDSN string `short:"p" env:"EXCHANGE_SYNC_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string"`
	EtcdDSN     string `short:"e" env:"EXCHANGE_SYNC_ETCD_DSN" long:"etcd-dsn" description:"etcd connection string; cycles are locked in-process when empty"`
	LogLevel    string `short:"l" env:"EXCHANGE_SYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogFormat   string `env:"EXCHANGE_SYNC_LOG_FORMAT" long:"log-format" description:"Log format" choice:"text" choice:"color" choice:"json" default:"text"`
	HTTPAddr    string `env:"EXCHANGE_SYNC_HTTP_ADDR" long:"http-addr" description:"Listen address of health, metrics and event endpoints; empty disables" default:":9090"`
	Version     bool   `short:"v" long:"version" description:"Show version information"`
	Help        bool
	Command     string

	Bitrix BitrixOptions `group:"Bitrix24 Options" namespace:"bitrix"`
	Sync   SyncOptions   `group:"Sync Options" namespace:"sync"`
	Cache  CacheOptions  `group:"Cache Options" namespace:"cache"`

	SyncCmd   SyncCommand   `command:"sync" description:"Pull CRM records on schedule (default)"`
	ImportCmd ImportCommand `command:"import" description:"Import an EnterpriseData message"`
	ExportCmd ExportCommand `command:"export" description:"Export entities as an EnterpriseData message"`
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.NamespaceDelimiter = "-"
	parser.SubcommandsOptional = true // no command means sync
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	cmdOpts.Command = "sync"
	if parser.Active != nil {
		cmdOpts.Command = parser.Active.Name
	}
	return
}

// LoadEnvFile loads variables from path into the environment without overriding set ones.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("exchange_sync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel, logFormat string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	formatter, err := log.FormatterFor(logFormat)
	if err != nil {
		return err
	}
	logrus.SetFormatter(formatter)
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("exchange_sync logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	envFile := os.Getenv("EXCHANGE_SYNC_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := LoadEnvFile(envFile); err != nil {
		fmt.Printf("Error: failed to load %s: %s\n", envFile, err)
		os.Exit(1)
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel, config.LogFormat); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	app, err := NewApp(ctx, config)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize")
	}
	defer app.Close()

	switch config.Command {
	case "import":
		err = app.Import(ctx, config.ImportCmd.File)
	case "export":
		err = app.Export(ctx, config.ExportCmd.Type, config.ExportCmd.File, config.ExportCmd.Limit)
	default:
		err = app.Sync(ctx, config.SyncCmd.Once)
	}
	if err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal(config.Command + " failed")
	}

	logrus.Info("Graceful shutdown completed")
}
