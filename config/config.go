package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-export/model"
	"github.com/dhcgn/imap-export/naming"
)

const (
	// KeyringService is the service name credentials are stored under.
	KeyringService = "imap-export"
	envPrefix      = "IMAP_EXPORT"
	dateLayout     = "2006-01-02"
	maxConcurrency = 32
)

// Config captures all command-line options of a run.
type Config struct {
	Account            string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	StartTLS           bool
	InsecureSkipVerify bool
	LogLevel           string
	LogDir             string

	Folder        string
	UIDs          []model.UID
	All           bool
	IncludeHeader []string
	ExcludeHeader []string
	Query         string
	Field         string
	Since         time.Time
	Before        time.Time

	Formats           []model.ExportKind
	OutputDir         string
	Concurrency       int
	PreserveStructure bool
	SkipExisting      bool
	FetchTimeout      time.Duration
	FetchRate         float64
	CancelGrace       time.Duration
	MetricsFile       string
	NoProgress        bool

	// ConfigFile is the config file that was read, if any.
	ConfigFile string
}

// TargetDir is the per-account directory all exports land in.
func (c Config) TargetDir() string {
	return filepath.Join(c.OutputDir, naming.SanitizeSegment(c.Account))
}

// Selecting reports whether any header criterion narrows the selection.
func (c Config) Selecting() bool {
	return len(c.IncludeHeader) > 0 || len(c.ExcludeHeader) > 0 || c.Query != "" ||
		!c.Since.IsZero() || !c.Before.IsZero()
}

// secretLookup reads a password from the OS keyring. Tests replace it.
var secretLookup = keyringSecret

// RegisterFlags attaches the connection and logging flags shared by every
// subcommand.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("account", "", "Named account from the config file; also names the output subdirectory")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the OS keyring)")
	flags.Bool("use-tls", true, "Use implicit TLS for the IMAP connection")
	flags.Bool("starttls", false, "Upgrade a plain connection with STARTTLS")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for a rotated log file in addition to stdout")
}

// RegisterSelectionFlags attaches the flags that pick messages in a folder.
func RegisterSelectionFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("folder", "INBOX", "Folder to read from")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with --exclude-header)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with --include-header)")
	flags.String("query", "", "Case-insensitive text to look for")
	flags.String("field", "all", "Header the query applies to: all, subject, from")
	flags.String("since", "", "Only messages dated on or after this day (YYYY-MM-DD)")
	flags.String("before", "", "Only messages dated before this day (YYYY-MM-DD)")
}

// RegisterDownloadFlags attaches the selection and export flags.
func RegisterDownloadFlags(cmd *cobra.Command) {
	RegisterSelectionFlags(cmd)
	flags := cmd.Flags()
	flags.StringArray("uid", nil, "Message UID to download; repeatable, comma-separated lists accepted")
	flags.Bool("all", false, "Download every message in the folder that passes the header criteria")
	flags.StringArray("format", []string{string(model.KindEML)}, "Export format: eml, mbox, json, csv; repeatable")
	flags.String("output-dir", "./email_downloads", "Root directory for exports")
	flags.Int("concurrency", model.DefaultConcurrency, "Parallel fetches (1-32)")
	flags.Bool("preserve-structure", true, "Mirror the folder hierarchy in the output directory")
	flags.Bool("skip-existing", true, "Skip messages already exported by an earlier run")
	flags.Duration("fetch-timeout", 60*time.Second, "Upper bound for a single message fetch")
	flags.Float64("fetch-rate", 0, "Maximum fetches per second across all sessions; 0 means unlimited")
	flags.Duration("cancel-grace", 5*time.Second, "How long in-flight fetches may finish after cancellation")
	flags.String("metrics-file", "", "Write Prometheus metrics in text format to this file when done")
	flags.Bool("no-progress", false, "Disable the progress bar")
}

// LoadConfig merges flags, environment, .env and the config file into a
// validated Config. Precedence: flag, env, config file, default.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if dir := os.Getenv(envPrefix + "_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "imap-export"))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	account := strings.TrimSpace(v.GetString("account"))
	if account != "" {
		if err := applyAccount(v, account); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		Account:            account,
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           strings.TrimSpace(v.GetString("imap-user")),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		StartTLS:           v.GetBool("starttls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		LogLevel:           normalizeLevel(v.GetString("log-level")),
		LogDir:             v.GetString("log-dir"),
		Folder:             v.GetString("folder"),
		All:                v.GetBool("all"),
		IncludeHeader:      v.GetStringSlice("include-header"),
		ExcludeHeader:      v.GetStringSlice("exclude-header"),
		Query:              strings.TrimSpace(v.GetString("query")),
		Field:              v.GetString("field"),
		OutputDir:          v.GetString("output-dir"),
		Concurrency:        v.GetInt("concurrency"),
		PreserveStructure:  v.GetBool("preserve-structure"),
		SkipExisting:       v.GetBool("skip-existing"),
		FetchTimeout:       v.GetDuration("fetch-timeout"),
		FetchRate:          v.GetFloat64("fetch-rate"),
		CancelGrace:        v.GetDuration("cancel-grace"),
		MetricsFile:        v.GetString("metrics-file"),
		NoProgress:         v.GetBool("no-progress"),
		ConfigFile:         v.ConfigFileUsed(),
	}
	if cfg.Account == "" {
		cfg.Account = cfg.IMAPUser
	}
	if cfg.OutputDir != "" {
		cfg.OutputDir = filepath.Clean(cfg.OutputDir)
	}

	var err error
	if cfg.UIDs, err = parseUIDs(v.GetStringSlice("uid")); err != nil {
		return Config{}, err
	}
	if cfg.Formats, err = parseFormats(v.GetStringSlice("format")); err != nil {
		return Config{}, err
	}
	if cfg.Since, err = parseDay("since", v.GetString("since")); err != nil {
		return Config{}, err
	}
	if cfg.Before, err = parseDay("before", v.GetString("before")); err != nil {
		return Config{}, err
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.IMAPPass == "" && cfg.IMAPUser != "" {
		cfg.IMAPPass = lookupSecret(cfg.Account, cfg.IMAPUser)
	}

	if err := validateConfig(cfg, cmd.Flags().Lookup("format") != nil); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyAccount makes the accounts.<name> entry the fallback for the
// connection settings. Flags and env still win.
func applyAccount(v *viper.Viper, name string) error {
	accounts := v.GetStringMap("accounts")
	if len(accounts) == 0 {
		return nil
	}
	if _, ok := accounts[strings.ToLower(name)]; !ok {
		return fmt.Errorf("account %q not found in %s", name, v.ConfigFileUsed())
	}
	prefix := "accounts." + strings.ToLower(name) + "."
	keys := map[string]string{
		"host":                 "imap-host",
		"port":                 "imap-port",
		"user":                 "imap-user",
		"tls":                  "use-tls",
		"starttls":             "starttls",
		"insecure_skip_verify": "insecure-skip-verify",
	}
	for field, key := range keys {
		if v.IsSet(prefix + field) {
			v.SetDefault(key, v.Get(prefix+field))
		}
	}
	return nil
}

func lookupSecret(account, user string) string {
	for _, key := range []string{account, user} {
		if key == "" {
			continue
		}
		if secret, err := secretLookup(key); err == nil && secret != "" {
			return secret
		}
	}
	return ""
}

func keyringSecret(key string) (string, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: KeyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return "", fmt.Errorf("open keyring: %w", err)
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("get credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func parseUIDs(values []string) ([]model.UID, error) {
	var uids []model.UID
	seen := make(map[model.UID]struct{})
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			uid, err := model.ParseUID(part)
			if err != nil {
				return nil, fmt.Errorf("invalid --uid %q: %w", part, err)
			}
			if uid == 0 {
				return nil, fmt.Errorf("invalid --uid %q: UIDs start at 1", part)
			}
			if _, dup := seen[uid]; dup {
				continue
			}
			seen[uid] = struct{}{}
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func parseFormats(values []string) ([]model.ExportKind, error) {
	var kinds []model.ExportKind
	seen := make(map[model.ExportKind]struct{})
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			kind, err := model.ParseExportKind(part)
			if err != nil {
				return nil, fmt.Errorf("invalid --format: %w", err)
			}
			if _, dup := seen[kind]; dup {
				continue
			}
			seen[kind] = struct{}{}
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

func parseDay(flag, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: expected YYYY-MM-DD", flag, value)
	}
	return t, nil
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	return level
}

func validateConfig(cfg Config, download bool) error {
	if cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if cfg.IMAPUser == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if cfg.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or the OS keyring")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.UseTLS && cfg.StartTLS {
		return fmt.Errorf("--use-tls and --starttls are mutually exclusive")
	}
	if len(cfg.IncludeHeader) > 0 && len(cfg.ExcludeHeader) > 0 {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	if !cfg.Since.IsZero() && !cfg.Before.IsZero() && !cfg.Before.After(cfg.Since) {
		return fmt.Errorf("--before must be later than --since")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	if !download {
		return nil
	}
	if strings.TrimSpace(cfg.Folder) == "" {
		return fmt.Errorf("--folder must not be empty")
	}
	if len(cfg.UIDs) > 0 && (cfg.All || cfg.Selecting()) {
		return fmt.Errorf("--uid cannot be combined with --all or header criteria")
	}
	if len(cfg.UIDs) == 0 && !cfg.All && !cfg.Selecting() {
		return fmt.Errorf("select messages with --uid, --all or header criteria")
	}
	if len(cfg.Formats) == 0 {
		return fmt.Errorf("at least one --format is required")
	}
	if cfg.OutputDir == "" {
		return fmt.Errorf("--output-dir must not be empty")
	}
	if cfg.Concurrency < 1 || cfg.Concurrency > maxConcurrency {
		return fmt.Errorf("--concurrency must be between 1 and %d", maxConcurrency)
	}
	if cfg.FetchTimeout <= 0 {
		return fmt.Errorf("--fetch-timeout must be positive")
	}
	if cfg.FetchRate < 0 {
		return fmt.Errorf("--fetch-rate must not be negative")
	}
	if cfg.CancelGrace < 0 {
		return fmt.Errorf("--cancel-grace must not be negative")
	}
	return nil
}
