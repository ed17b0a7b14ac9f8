// Package config provides the runtime configuration for both dyntrace
// binaries: CLI flags for the tracer (cmd/dyntrace) and YAML
// configuration for the collector (cmd/dyntrace-collector).
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the tracer's parsed CLI configuration, the Go analogue of
// the original tool's getopt-parsed argv. ParseOptions fills it from the
// FlagSet it is given and the remaining positional arguments.
type Options struct {
	// Verbose enables -v: debug diagnostics (diag.Logger.Debugf) are
	// printed; without it they are suppressed.
	Verbose bool

	// PrintZero enables -z: emit counters with n==0 in the report.
	PrintZero bool

	// CheckpointEvery is -c SECONDS as a duration; zero disables
	// periodic checkpoints. Defaults to 15 minutes.
	CheckpointEvery time.Duration

	// OpcodeFiles is -f OPCODEFILE, repeatable; later files merge into
	// (and can add to) the tree built by earlier ones. Empty means the
	// built-in default from internal/oplist.DefaultPath.
	OpcodeFiles []string

	// OutputPath is -o OUTFILE. Empty means "<procname>.trace" in the
	// current directory, resolved once the target's name is known.
	OutputPath string

	// PID is set by -p PID (attach mode); zero means launch Command
	// instead.
	PID int

	// Command and Args are the positional COMMAND [ARGS...] form; unused
	// when PID is set.
	Command string
	Args    []string

	// ExportConfigPath is -export-config PATH, new in this port: when
	// set, dyntrace ships every snapshot to a collector in addition to
	// writing OutputPath locally. Omitting it keeps dyntrace a pure
	// local binary with no network dependency.
	ExportConfigPath string
}

// ParseOptions parses args (normally os.Args[1:]) into an Options,
// applying the same defaults as the original tool (15-minute checkpoint
// interval, no verbose/print-zero).
func ParseOptions(fs *flag.FlagSet, args []string) (*Options, error) {
	var opts Options
	var checkpointSecs int
	var opcodeFiles stringSliceFlag

	fs.BoolVar(&opts.Verbose, "v", false, "verbose: print debug diagnostics")
	fs.BoolVar(&opts.PrintZero, "z", false, "print zero counters in the report")
	fs.IntVar(&checkpointSecs, "c", 15*60, "checkpoint interval in seconds (0 disables)")
	fs.Var(&opcodeFiles, "f", "opcode definition file (repeatable; default is built-in)")
	fs.StringVar(&opts.OutputPath, "o", "", "report output path (default <procname>.trace)")
	fs.IntVar(&opts.PID, "p", 0, "attach to an already-running PID instead of launching a command")
	fs.StringVar(&opts.ExportConfigPath, "export-config", "", "optional path to a collector export YAML config")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts.CheckpointEvery = time.Duration(checkpointSecs) * time.Second
	opts.OpcodeFiles = []string(opcodeFiles)

	rest := fs.Args()
	if opts.PID == 0 {
		if len(rest) == 0 {
			return nil, errors.New("usage: dyntrace [-vz] [-c SECONDS] [-f OPCODEFILE] [-o OUTFILE] COMMAND [ARGS...]  |  dyntrace ... -p PID")
		}
		opts.Command = rest[0]
		opts.Args = rest[1:]
	} else if len(rest) != 0 {
		return nil, errors.New("COMMAND [ARGS...] and -p PID are mutually exclusive")
	}

	return &opts, nil
}

// stringSliceFlag implements flag.Value to accumulate repeated -f flags.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	if s == nil {
		return ""
	}
	return fmt.Sprint([]string(*s))
}

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Config is the top-level YAML configuration for the collector
// (cmd/dyntrace-collector). Mirrors the teacher's struct-tag +
// applyDefaults + validate shape, with the dashboard/tripwire fields
// replaced by the collector's own listener, storage, and auth settings.
type Config struct {
	// Listen is the REST/WebSocket API listener address. Required.
	Listen string `yaml:"listen"`

	// GRPCListen is the mTLS gRPC ingestion listener address. Required.
	GRPCListen string `yaml:"grpc_listen"`

	// TLS holds the collector's server certificate, private key, and the
	// CA certificate used to verify tracer client certificates. Required
	// unless Insecure is set.
	TLS TLSConfig `yaml:"tls"`

	// Insecure serves plaintext gRPC. Dev only.
	Insecure bool `yaml:"insecure,omitempty"`

	// DB is the PostgreSQL DSN for internal/server/storage. Required.
	DB string `yaml:"db"`

	// JWTSecretFile is the path to the PEM-encoded RSA public key used to
	// verify REST API bearer tokens. Empty disables authentication (dev
	// only).
	JWTSecretFile string `yaml:"jwt_secret_file,omitempty"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the collector's PEM-encoded server
	// certificate.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the collector's PEM-encoded private key.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// tracer client certificates.
	CAPath string `yaml:"ca_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.GRPCListen == "" {
		cfg.GRPCListen = ":4443"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if cfg.GRPCListen == "" {
		errs = append(errs, errors.New("grpc_listen is required"))
	}
	if cfg.DB == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if !cfg.Insecure {
		if cfg.TLS.CertPath == "" {
			errs = append(errs, errors.New("tls.cert_path is required unless insecure is set"))
		}
		if cfg.TLS.KeyPath == "" {
			errs = append(errs, errors.New("tls.key_path is required unless insecure is set"))
		}
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

// ExportConfig is the YAML configuration for dyntrace's optional snapshot
// shipping path (-export-config), reusing the same load/validate shape as
// the collector's Config.
type ExportConfig struct {
	// Addr is the collector's gRPC ingestion address. Required.
	Addr string `yaml:"addr"`

	// TLS holds the tracer's client certificate, private key, and the CA
	// used to verify the collector's certificate. Required unless
	// Insecure is set.
	TLS TLSConfig `yaml:"tls"`

	// Insecure dials the collector over plaintext gRPC. Dev only.
	Insecure bool `yaml:"insecure,omitempty"`

	// ServerName overrides the TLS SNI/verification name; defaults to
	// Addr's host when empty.
	ServerName string `yaml:"server_name,omitempty"`

	// QueuePath is the local SQLite queue database path that buffers
	// snapshots while the collector is unreachable.
	QueuePath string `yaml:"queue_path"`
}

// LoadExportConfig reads and validates the YAML file at path.
func LoadExportConfig(path string) (*ExportConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg ExportConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	if cfg.QueuePath == "" {
		cfg.QueuePath = "dyntrace-export-queue.db"
	}

	var errs []error
	if cfg.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if !cfg.Insecure {
		if cfg.TLS.CertPath == "" {
			errs = append(errs, errors.New("tls.cert_path is required unless insecure is set"))
		}
		if cfg.TLS.KeyPath == "" {
			errs = append(errs, errors.New("tls.key_path is required unless insecure is set"))
		}
		if cfg.TLS.CAPath == "" {
			errs = append(errs, errors.New("tls.ca_path is required unless insecure is set"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}
