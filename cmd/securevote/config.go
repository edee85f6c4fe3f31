package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vocdoni/securevote/log"
)

const (
	defaultAPIHost         = "0.0.0.0"
	defaultAPIPort         = 9090
	defaultMonitorInterval = 10 * time.Second
	defaultLogLevel        = "info"
	defaultLogOutput       = "stderr"
	defaultDatadir         = ".securevote" // Will be prefixed with user's home directory
)

// Version is the build version, set at build time with -ldflags
var Version = "dev"

// Config holds the application configuration
type Config struct {
	Web3    Web3Config
	Relayer RelayerConfig
	API     APIConfig
	Monitor MonitorConfig
	Log     LogConfig
	Poll    PollConfig
	Tx      TxConfig
	Datadir string
	Demo    bool
}

// Web3Config holds Ethereum-related configuration
type Web3Config struct {
	PrivKey  string   `mapstructure:"privkey"`
	Rpc      []string `mapstructure:"rpc"`
	Contract string   `mapstructure:"contract"`
}

// RelayerConfig holds the encryption service configuration
type RelayerConfig struct {
	URL string `mapstructure:"url"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitorConfig holds the poll events monitor configuration
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// PollConfig holds the arguments of the poll commands
type PollConfig struct {
	ID      uint64   `mapstructure:"id"`
	Choice  int      `mapstructure:"choice"`
	Name    string   `mapstructure:"name"`
	Options []string `mapstructure:"options"`
	Start   string   `mapstructure:"start"`
	End     string   `mapstructure:"end"`
}

// TxConfig holds the filters and the retention of the history command
type TxConfig struct {
	Poll   int64         `mapstructure:"poll"`
	Status string        `mapstructure:"status"`
	Limit  int           `mapstructure:"limit"`
	Prune  time.Duration `mapstructure:"prune"`
}

// loadConfig loads configuration from flags, environment variables, and
// defaults. args are the arguments following the command name.
func loadConfig(command string, args []string) (*Config, error) {
	v := viper.New()

	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("web3.rpc", []string{})
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("monitor.interval", defaultMonitorInterval)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)

	// Configure flags
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.StringP("web3.privkey", "k", "", "private key of the wallet account")
	fs.StringSliceP("web3.rpc", "w", []string{}, "web3 rpc endpoint(s), comma-separated")
	fs.StringP("web3.contract", "c", "", "SecureVote contract address")
	fs.StringP("relayer.url", "r", "", "encryption service (relayer gateway) URL")
	fs.Bool("demo", false, "run against an in-memory contract and encryption service")
	fs.StringP("api.host", "a", defaultAPIHost, "API host")
	fs.IntP("api.port", "p", defaultAPIPort, "API port")
	fs.Duration("monitor.interval", defaultMonitorInterval, "poll events monitor interval")
	fs.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	fs.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	fs.StringP("datadir", "d", defaultDatadirPath, "data directory for the transaction journal (empty disables it)")
	fs.Uint64("poll.id", 0, "poll id")
	fs.Int("poll.choice", -1, "option index to vote for")
	fs.String("poll.name", "", "name of the poll to create")
	fs.StringSlice("poll.options", []string{}, "options of the poll to create, comma-separated")
	fs.String("poll.start", "", "poll start time (unix seconds, RFC3339 or 2006-01-02T15:04 local), defaults to now")
	fs.String("poll.end", "", "poll end time, defaults to one hour after the start")
	fs.Int64("tx.poll", -1, "only list transactions of this poll id")
	fs.String("tx.status", "", "only list transactions with this status (pending, confirmed, failed)")
	fs.Int("tx.limit", 0, "maximum number of transactions to list")
	fs.Duration("tx.prune", 0, "before listing, remove confirmed and failed transactions older than this (e.g. 720h)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "securevote v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: securevote <command> [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		for _, cmd := range commands {
			fmt.Fprintf(os.Stderr, "  %-12s %s\n", cmd.name, cmd.help)
		}
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, SECUREVOTE_WEB3_PRIVKEY or SECUREVOTE_RELAYER_URL\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Create a poll\n")
		fmt.Fprintf(os.Stderr, "  securevote create-poll -k 0x123... -w https://rpc.com -c 0x456... --poll.name=Colors --poll.options=Red,Blue\n\n")
		fmt.Fprintf(os.Stderr, "  # Vote for the second option of poll 0\n")
		fmt.Fprintf(os.Stderr, "  securevote vote --poll.id=0 --poll.choice=1\n\n")
		fmt.Fprintf(os.Stderr, "  # Drop finished transactions older than 30 days from the journal\n")
		fmt.Fprintf(os.Stderr, "  securevote history --tx.prune=720h\n\n")
		fmt.Fprintf(os.Stderr, "  # Serve the HTTP API against the in-memory demo contract\n")
		fmt.Fprintf(os.Stderr, "  securevote serve --demo\n")
	}

	fs.SortFlags = false
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Configure Viper to use environment variables
	v.SetEnvPrefix("SECUREVOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Poll.Options = splitOptions(cfg.Poll.Options)
	return cfg, nil
}

// splitOptions trims every option label and drops the empty ones. Labels
// coming from the environment arrive as a single comma-separated value.
func splitOptions(raw []string) []string {
	options := []string{}
	for _, r := range raw {
		for _, o := range strings.Split(r, ",") {
			if o = strings.TrimSpace(o); o != "" {
				options = append(options, o)
			}
		}
	}
	return options
}

// validateConfig validates the loaded configuration for command
func validateConfig(command string, cfg *Config) error {
	if !log.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	switch command {
	case "address":
		if cfg.Web3.PrivKey == "" {
			return fmt.Errorf("private key is required (use --web3.privkey flag or SECUREVOTE_WEB3_PRIVKEY environment variable)")
		}
		return nil
	case "history":
		if cfg.Tx.Limit < 0 {
			return fmt.Errorf("invalid transactions limit %d", cfg.Tx.Limit)
		}
		if cfg.Tx.Prune < 0 {
			return fmt.Errorf("invalid prune age %s", cfg.Tx.Prune)
		}
		return nil
	}

	if cfg.Demo {
		if command != "serve" {
			return fmt.Errorf("the demo contract lives in memory, only the serve command can use it")
		}
		return nil
	}
	if len(cfg.Web3.Rpc) == 0 {
		return fmt.Errorf("at least one web3 rpc endpoint is required (use --web3.rpc flag or SECUREVOTE_WEB3_RPC environment variable)")
	}
	if command != "serve" && cfg.Web3.Contract == "" {
		return fmt.Errorf("contract address is required (use --web3.contract flag or SECUREVOTE_WEB3_CONTRACT environment variable)")
	}
	switch command {
	case "create-poll", "vote", "end-poll", "publish":
		if cfg.Web3.PrivKey == "" {
			return fmt.Errorf("private key is required (use --web3.privkey flag or SECUREVOTE_WEB3_PRIVKEY environment variable)")
		}
	}
	switch command {
	case "vote", "decrypt", "publish":
		if cfg.Relayer.URL == "" {
			return fmt.Errorf("relayer URL is required (use --relayer.url flag or SECUREVOTE_RELAYER_URL environment variable)")
		}
	}
	if command == "vote" && cfg.Poll.Choice < 0 {
		return fmt.Errorf("an option index is required (use --poll.choice flag)")
	}
	return nil
}
