package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/szibis/spoolq/internal/chunk"
	"github.com/szibis/spoolq/internal/queue"
	"github.com/szibis/spoolq/internal/storage"
)

var version = "dev"

// minDimension is the smallest queue that holds one aligned record and its sentinel.
const minDimension = 2*chunk.Size + chunk.Alignment

// Config holds the application configuration.
type Config struct {
	// Config file path (resolved)
	ConfigFile string

	// Queue settings
	QueueName       string
	Dimension       int64   // Fixed queue capacity in bytes
	DirtyRatio      float64 // Fraction of Dimension the read offset must pass before compaction
	ScratchSize     int64   // Compaction and checkpoint copy buffer size
	VerifyChecksums bool    // Reject chunks whose header checksum does not match on read

	// Storage settings
	Storage       string // Medium kind: file, memory, mmap
	StoragePath   string // Medium file path (default: <checkpoint-dir>/<name>.bin)
	CheckpointDir string // Directory holding <name>.dump checkpoints

	// Relay settings
	PollInterval  time.Duration // Retry delay while the queue is full or empty
	MaxRecordSize int64         // Largest record accepted by the relay reader

	// Logging and stats
	LogLevel         string
	StatsAddr        string  // Prometheus /metrics listen address (empty = disabled)
	MemoryLimitRatio float64 // Ratio of container memory to use for GOMEMLIMIT (default: 0.9)

	// Command line
	Command     string   // Subcommand: push, pop, peek, drain, stat, verify, flush, cleanup, relay
	CommandArgs []string // Arguments after the subcommand

	// Flags
	ShowHelp     bool
	ShowVersion  bool
	ValidateOnly bool
}

// ParseFlags parses os.Args and returns the configuration. Errors are fatal.
func ParseFlags() *Config {
	cfg, err := ParseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return &Config{ShowHelp: true}
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// ParseArgs parses command line arguments. A -config file is loaded first and
// explicitly set flags override its values.
func ParseArgs(args []string) (*Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("spoolq", flag.ContinueOnError)
	fs.Usage = PrintUsage

	// Config file flag
	var configFile string
	fs.StringVar(&configFile, "config", "", "Path to YAML configuration file")

	// Queue flags
	fs.StringVar(&cfg.QueueName, "name", cfg.QueueName, "Queue name (used for metrics labels and checkpoint file names)")
	fs.Var((*ByteSize)(&cfg.Dimension), "dimension", "Fixed queue capacity (supports Ki, Mi, Gi suffixes)")
	fs.Float64Var(&cfg.DirtyRatio, "dirty-ratio", cfg.DirtyRatio, "Fraction of the dimension the read offset must pass before compaction")
	fs.Var((*ByteSize)(&cfg.ScratchSize), "scratch-size", "Compaction and checkpoint copy buffer size")
	fs.BoolVar(&cfg.VerifyChecksums, "verify-checksums", cfg.VerifyChecksums, "Reject records whose header checksum does not match")

	// Storage flags
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "Storage medium: file, memory, mmap")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "Medium file path (default: <checkpoint-dir>/<name>.bin)")
	fs.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "Directory for queue checkpoints")

	// Relay flags
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Retry delay while the queue is full or empty")
	fs.Var((*ByteSize)(&cfg.MaxRecordSize), "max-record-size", "Largest record the relay accepts")

	// Logging and stats flags
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Prometheus metrics listen address (empty disables)")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of container memory to use for GOMEMLIMIT (0.0-1.0)")

	// Help and version
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version (shorthand)")
	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "Validate the -config file and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load YAML config if specified
	if configFile != "" {
		yamlCfg, err := LoadYAML(configFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configFile, err)
		}
		base := DefaultConfig()
		mergeYAMLIntoConfig(base, yamlCfg.ToConfig())
		base.ShowHelp = cfg.ShowHelp
		base.ShowVersion = cfg.ShowVersion
		base.ValidateOnly = cfg.ValidateOnly

		// Apply CLI overrides for explicitly set flags
		if err := applyFlagOverrides(fs, base); err != nil {
			return nil, err
		}
		cfg = base
		cfg.ConfigFile = configFile
	}

	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command = rest[0]
		cfg.CommandArgs = rest[1:]
	}
	return cfg, nil
}

// applyFlagOverrides applies CLI flag values that were explicitly set.
func applyFlagOverrides(fs *flag.FlagSet, cfg *Config) error {
	var errs []string
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		var err error
		switch f.Name {
		case "name":
			cfg.QueueName = v
		case "dimension":
			cfg.Dimension, err = ParseByteSize(v)
		case "dirty-ratio":
			cfg.DirtyRatio, err = strconv.ParseFloat(v, 64)
		case "scratch-size":
			cfg.ScratchSize, err = ParseByteSize(v)
		case "verify-checksums":
			cfg.VerifyChecksums = v == "true"
		case "storage":
			cfg.Storage = v
		case "storage-path":
			cfg.StoragePath = v
		case "checkpoint-dir":
			cfg.CheckpointDir = v
		case "poll-interval":
			cfg.PollInterval, err = time.ParseDuration(v)
		case "max-record-size":
			cfg.MaxRecordSize, err = ParseByteSize(v)
		case "log-level":
			cfg.LogLevel = v
		case "stats-addr":
			cfg.StatsAddr = v
		case "memory-limit-ratio":
			cfg.MemoryLimitRatio, err = strconv.ParseFloat(v, 64)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("-%s: %v", f.Name, err))
		}
	})
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.QueueName == "" {
		errs = append(errs, "name must not be empty")
	} else if strings.ContainsAny(c.QueueName, `/\`) || c.QueueName == "." || c.QueueName == ".." {
		errs = append(errs, fmt.Sprintf("name must be a plain file name, got %q", c.QueueName))
	}
	if c.Dimension < minDimension {
		errs = append(errs, fmt.Sprintf("dimension must be at least %d bytes, got %d", minDimension, c.Dimension))
	}
	if c.DirtyRatio <= 0 || c.DirtyRatio >= 1 {
		errs = append(errs, fmt.Sprintf("dirty-ratio must be between 0.0 and 1.0 (exclusive), got %g", c.DirtyRatio))
	}
	if c.ScratchSize <= 0 {
		errs = append(errs, fmt.Sprintf("scratch-size must be > 0, got %d", c.ScratchSize))
	}
	if _, err := storage.ParseKind(c.Storage); err != nil {
		errs = append(errs, fmt.Sprintf("storage must be one of file, memory, mmap, got %q", c.Storage))
	}
	if c.CheckpointDir == "" {
		errs = append(errs, "checkpoint-dir must not be empty")
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("poll-interval must be > 0, got %s", c.PollInterval))
	}
	if c.MaxRecordSize <= 0 {
		errs = append(errs, fmt.Sprintf("max-record-size must be > 0, got %d", c.MaxRecordSize))
	} else if chunk.CheckLen(c.MaxRecordSize) != nil {
		errs = append(errs, fmt.Sprintf("max-record-size must be <= %d, got %d", int64(chunk.MaxPayloadLen), c.MaxRecordSize))
	} else if c.Dimension >= minDimension && 2*chunk.Size+int64(chunk.RoundUp(int(c.MaxRecordSize))) >= c.Dimension {
		errs = append(errs, fmt.Sprintf("max-record-size must leave room for framing within dimension %d, got %d", c.Dimension, c.MaxRecordSize))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log-level must be one of debug, info, warn, error, got %q", c.LogLevel))
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		errs = append(errs, fmt.Sprintf("memory-limit-ratio must be between 0.0 and 1.0, got %g", c.MemoryLimitRatio))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New("configuration validation failed:\n  - " + strings.Join(errs, "\n  - "))
}

// MediumPath returns the medium file path, defaulting to <checkpoint-dir>/<name>.bin.
func (c *Config) MediumPath() string {
	if c.StoragePath != "" {
		return c.StoragePath
	}
	return filepath.Join(c.CheckpointDir, c.QueueName+".bin")
}

// OpenMedium opens the configured storage medium sized to the queue dimension.
func (c *Config) OpenMedium() (storage.Medium, error) {
	kind, err := storage.ParseKind(c.Storage)
	if err != nil {
		return nil, err
	}
	return storage.Open(kind, c.MediumPath(), c.Dimension)
}

// QueueConfig returns the queue configuration.
func (c *Config) QueueConfig(logger queue.Logger) queue.Config {
	return queue.Config{
		Name:            c.QueueName,
		Dimension:       c.Dimension,
		DirtyRatio:      c.DirtyRatio,
		ScratchSize:     int(c.ScratchSize),
		VerifyChecksums: c.VerifyChecksums,
		Logger:          logger,
	}
}

// PrintUsage prints the help message to stderr.
func PrintUsage() {
	WriteUsage(os.Stderr)
}

// WriteUsage writes the help message to w.
func WriteUsage(w io.Writer) {
	fmt.Fprint(w, `spoolq - durable fixed-capacity FIFO byte queue

USAGE:
    spoolq [OPTIONS] <command> [ARGS]

DESCRIPTION:
    Stores records in a bounded region of a file, memory or mmap medium.
    Records are popped in push order. Queue state is checkpointed to
    <checkpoint-dir>/<name>.dump after every command that changes it.

COMMANDS:
    push <record>...                 Append records; "-" reads newline records from stdin
    pop [n]                          Remove and print up to n records (default: 1)
    peek                             Print the oldest record without removing it
    drain                            Remove and print every record
    stat                             Print queue counters as YAML
    verify                           Walk every chunk and check the framing
    flush                            Discard every record
    cleanup                          Compact the queue if it is dirty
    relay                            Pipe newline records from stdin to stdout through the queue

OPTIONS:
    Configuration:
        -config <path>                   Path to YAML configuration file
                                         CLI flags override config file values
        -validate                        Validate the config file, print JSON and exit

    Queue:
        -name <name>                     Queue name (default: "spoolq")
        -dimension <size>                Fixed queue capacity (default: 64Mi)
        -dirty-ratio <ratio>             Compaction threshold as a fraction of dimension (default: 0.25)
        -scratch-size <size>             Compaction copy buffer size (default: 8Ki)
        -verify-checksums                Reject records with a mismatched header checksum (default: false)

    Storage:
        -storage <kind>                  Medium: file, memory, mmap (default: "file")
        -storage-path <path>             Medium file path (default: <checkpoint-dir>/<name>.bin)
        -checkpoint-dir <dir>            Checkpoint directory (default: "./data")

    Relay:
        -poll-interval <duration>        Retry delay while the queue is full or empty (default: 10ms)
        -max-record-size <size>          Largest record the relay accepts (default: 1Mi)

    Logging & Stats:
        -log-level <level>               debug, info, warn, error (default: "info")
        -stats-addr <addr>               Serve /metrics, /live and /ready on addr (default: disabled)
        -memory-limit-ratio <ratio>      Ratio of container memory for GOMEMLIMIT (0.0-1.0) (default: 0.9)

    General:
        -h, -help                        Show this help message
        -v, -version                     Show version

EXAMPLES:
    # Push two records and pop them back
    spoolq -dimension 1Mi push first second
    spoolq pop 2

    # Relay a log stream through a memory-mapped queue
    tail -f app.log | spoolq -storage mmap -stats-addr :9090 relay > out.log

    # Use a config file with a CLI override
    spoolq -config spoolq.yaml -log-level debug stat

`)
}

// PrintVersion prints the version.
func PrintVersion() {
	fmt.Printf("spoolq version %s\n", version)
}

// GetVersion returns the build version.
func GetVersion() string {
	return version
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		QueueName:        "spoolq",
		Dimension:        64 * 1024 * 1024,
		DirtyRatio:       0.25,
		ScratchSize:      8 * 1024,
		Storage:          string(storage.KindFile),
		CheckpointDir:    "./data",
		PollInterval:     10 * time.Millisecond,
		MaxRecordSize:    1024 * 1024,
		LogLevel:         "info",
		MemoryLimitRatio: 0.9,
	}
}
