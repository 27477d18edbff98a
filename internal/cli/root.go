package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/threatintel/internal/model"
)

// Version is set at build time with -ldflags
var Version = "v0.1.0"

var (
	cfgFile   string
	verbose   bool
	logFormat string

	// appConfig is resolved in PersistentPreRunE, before any subcommand runs
	appConfig *model.Config
	logger    *slog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "threatintel",
	Short: "threatintel - threat indicator ingestion from AlienVault OTX and VirusTotal",
	Long: `threatintel pulls threat indicators from AlienVault OTX subscribed pulses,
optionally enriches IPv4 indicators through VirusTotal, and stores new,
de-duplicated entries in a document store.

A separate read-side server lists the latest indicators, filtered by type
and severity.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-format") || cfg.Logging.Format == "" {
			cfg.Logging.Format = logFormat
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}

		appConfig = cfg
		logger = newLogger(cmd.ErrOrStderr(), cfg.Logging)
		slog.SetDefault(logger)

		if used := viper.ConfigFileUsed(); used != "" {
			logger.Debug("using config file", "path", used)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "threatintel %s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.threatintel/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(versionCmd)
}

// envBindings maps config keys to the variable names used by existing
// deployments. THREATINTEL_<KEY> is always accepted first.
var envBindings = []struct {
	key    string
	legacy []string
}{
	{"store.driver", nil},
	{"store.uri", []string{"MONGODB_URI"}},
	{"store.database", []string{"MONGODB_DB"}},
	{"store.collection", []string{"MONGODB_COLLECTION"}},
	{"otx.api_key", []string{"OTX_API_KEY"}},
	{"otx.url", []string{"ALIENVAULT_URL"}},
	{"vt.enabled", nil},
	{"vt.api_key", []string{"VT_API_KEY"}},
	{"vt.base_url", nil},
	{"vt.requests_per_minute", nil},
	{"vt.cache_ttl", nil},
	{"http.timeout", nil},
	{"http.user_agent", nil},
	{"http.max_body_bytes", nil},
	{"http.http_proxy", []string{"HTTP_PROXY"}},
	{"http.https_proxy", []string{"HTTPS_PROXY"}},
	{"http.no_proxy", []string{"NO_PROXY"}},
	{"retry.max_attempts", nil},
	{"retry.base_delay", nil},
	{"retry.max_delay", nil},
	{"retry.jitter", nil},
	{"fetch.loop_delay", nil},
	{"cache.enabled", nil},
	{"cache.dir", nil},
	{"server.addr", nil},
	{"logging.format", nil},
	{"logging.level", nil},
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".threatintel"))
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("THREATINTEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindEnv(viper.GetViper())
}

func bindEnv(v *viper.Viper) {
	for _, b := range envBindings {
		names := []string{b.key, "THREATINTEL_" + strings.ToUpper(strings.ReplaceAll(b.key, ".", "_"))}
		names = append(names, b.legacy...)
		_ = v.BindEnv(names...)
	}
}

// loadConfig layers config file and environment over the defaults
func loadConfig() (*model.Config, error) {
	return decodeConfig(viper.GetViper())
}

func decodeConfig(v *viper.Viper) (*model.Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := model.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg model.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
