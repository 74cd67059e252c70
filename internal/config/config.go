package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultDiscoveryURL = "https://www.arcgis.com/sharing/rest/info?f=json"
	DefaultBatchURL     = "https://geocode-beta.arcgis.com/arcgis/rest/services/World/GeocodeServer/batchGeocode/beta"

	envPrefix = "BATCHGEOCODE_"
)

// Config represents the batch geocoding configuration.
type Config struct {
	Username      string        `conf:"username" validate:"required"`
	Password      string        `conf:"password" validate:"required"`
	DiscoveryURL  string        `conf:"discovery_url" validate:"required,url"`
	BatchURL      string        `conf:"batch_url" validate:"required,url"`
	InputPath     string        `conf:"input_path"`
	OutputDir     string        `conf:"output_dir" validate:"required"`
	FieldMapping  string        `conf:"field_mapping"`
	RequestMethod string        `conf:"request_method" validate:"oneof=GET POST"`
	PollInterval  time.Duration `conf:"poll_interval" validate:"gt=0"`
	MaxWait       time.Duration `conf:"max_wait" validate:"gte=0"`
	HTTPTimeout   time.Duration `conf:"http_timeout" validate:"gt=0"`
	Geocode       GeocodeParams
	Results       ResultsConfig
	History       HistoryConfig
	SFTP          SFTPConfig
	LogLevel      string `conf:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat     string `conf:"log_format" validate:"oneof=text json"`
}

// GeocodeParams holds the optional job parameters forwarded to submitJob.
type GeocodeParams struct {
	Category             string
	SourceCountry        string
	MatchOutOfRange      string
	LangCode             string
	LocationType         string
	SearchExtent         string
	OutSR                string
	OutFields            string
	PreferredLabelValues string
}

// ResultsConfig controls what happens to the downloaded archive.
type ResultsConfig struct {
	Extract      bool
	XLSXExport   bool
	MinFreeBytes uint64
}

// HistoryConfig points at the optional run ledger.
type HistoryConfig struct {
	Driver string `conf:"history_driver" validate:"omitempty,oneof=pgx mysql"`
	DSN    string `conf:"history_dsn" validate:"required_with=Driver"`
}

// Enabled reports whether a ledger is configured.
func (h HistoryConfig) Enabled() bool {
	return h.Driver != ""
}

// SFTPConfig describes an optional delivery target for result archives.
type SFTPConfig struct {
	Addr           string `conf:"sftp_addr" validate:"omitempty,hostname_port"`
	User           string `conf:"sftp_user" validate:"required_with=Addr"`
	Password       string `conf:"sftp_password"`
	KeyPath        string `conf:"sftp_key"`
	KnownHostsPath string `conf:"sftp_known_hosts"`
	RemoteDir      string `conf:"sftp_remote_dir"`
	Insecure       bool   `conf:"sftp_insecure"`
}

// Enabled reports whether SFTP delivery is configured.
func (s SFTPConfig) Enabled() bool {
	return s.Addr != ""
}

// Keys lists every recognised configuration key, in file order.
var Keys = []string{
	"username", "password", "discovery_url", "batch_url", "input_path",
	"output_dir", "field_mapping", "request_method", "poll_interval",
	"max_wait", "http_timeout", "category", "source_country",
	"match_out_of_range", "lang_code", "location_type", "search_extent",
	"out_sr", "out_fields", "preferred_label_values", "extract_results",
	"xlsx_export", "min_free_bytes", "history_driver", "history_dsn",
	"sftp_addr", "sftp_user", "sftp_password", "sftp_key",
	"sftp_known_hosts", "sftp_remote_dir", "sftp_insecure", "log_level",
	"log_format",
}

// DefaultPath returns the default configuration path for the host OS.
func DefaultPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\\ProgramData`
		}
		return filepath.Join(programData, "batchgeocode", "batchgeocode.conf"), nil
	case "linux":
		return "/etc/batchgeocode/batchgeocode.conf", nil
	default:
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("resolve user config dir: %w", err)
		}
		return filepath.Join(dir, "batchgeocode", "batchgeocode.conf"), nil
	}
}

// Load reads the configuration from the provided path, or the default path
// when empty. A missing default file is not an error since every key can also
// come from BATCHGEOCODE_* environment variables (optionally via a .env file).
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		defaultPath, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := defaults()

	file, err := os.Open(path)
	switch {
	case err == nil:
		parseErr := parse(file, &cfg)
		file.Close()
		if parseErr != nil {
			return Config{}, parseErr
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("open config: %w", err)
	}

	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		DiscoveryURL:  DefaultDiscoveryURL,
		BatchURL:      DefaultBatchURL,
		OutputDir:     ".",
		RequestMethod: "GET",
		PollInterval:  10 * time.Second,
		HTTPTimeout:   60 * time.Second,
		Geocode:       GeocodeParams{OutFields: "*"},
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

func parse(file *os.File, cfg *Config) error {
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid config line: %q", line)
		}
		if err := set(cfg, strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value)); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan config: %w", err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	for _, key := range Keys {
		value, ok := os.LookupEnv(envPrefix + strings.ToUpper(key))
		if !ok {
			continue
		}
		if err := set(cfg, key, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("env %s%s: %w", envPrefix, strings.ToUpper(key), err)
		}
	}
	return nil
}

// set assigns a single key. Unknown keys are ignored.
func set(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "username":
		cfg.Username = value
	case "password":
		cfg.Password = value
	case "discovery_url":
		cfg.DiscoveryURL = value
	case "batch_url":
		cfg.BatchURL = strings.TrimRight(value, "/")
	case "input_path":
		cfg.InputPath = value
	case "output_dir":
		cfg.OutputDir = value
	case "field_mapping":
		cfg.FieldMapping = value
	case "request_method":
		cfg.RequestMethod = strings.ToUpper(value)
	case "poll_interval":
		cfg.PollInterval, err = time.ParseDuration(value)
	case "max_wait":
		cfg.MaxWait, err = time.ParseDuration(value)
	case "http_timeout":
		cfg.HTTPTimeout, err = time.ParseDuration(value)
	case "category":
		cfg.Geocode.Category = value
	case "source_country":
		cfg.Geocode.SourceCountry = value
	case "match_out_of_range":
		cfg.Geocode.MatchOutOfRange = value
	case "lang_code":
		cfg.Geocode.LangCode = value
	case "location_type":
		cfg.Geocode.LocationType = value
	case "search_extent":
		cfg.Geocode.SearchExtent = value
	case "out_sr":
		cfg.Geocode.OutSR = value
	case "out_fields":
		cfg.Geocode.OutFields = value
	case "preferred_label_values":
		cfg.Geocode.PreferredLabelValues = value
	case "extract_results":
		cfg.Results.Extract, err = strconv.ParseBool(value)
	case "xlsx_export":
		cfg.Results.XLSXExport, err = strconv.ParseBool(value)
	case "min_free_bytes":
		cfg.Results.MinFreeBytes, err = strconv.ParseUint(value, 10, 64)
	case "history_driver":
		cfg.History.Driver = strings.ToLower(value)
	case "history_dsn":
		cfg.History.DSN = value
	case "sftp_addr":
		cfg.SFTP.Addr = value
	case "sftp_user":
		cfg.SFTP.User = value
	case "sftp_password":
		cfg.SFTP.Password = value
	case "sftp_key":
		cfg.SFTP.KeyPath = value
	case "sftp_known_hosts":
		cfg.SFTP.KnownHostsPath = value
	case "sftp_remote_dir":
		cfg.SFTP.RemoteDir = value
	case "sftp_insecure":
		cfg.SFTP.Insecure, err = strconv.ParseBool(value)
	case "log_level":
		cfg.LogLevel = strings.ToLower(value)
	case "log_format":
		cfg.LogFormat = strings.ToLower(value)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := field.Tag.Get("conf")
		if name == "" {
			return field.Name
		}
		return name
	})
	return v
}

func validate(cfg Config) error {
	err := structValidator.Struct(cfg)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("validate config: %w", err)
	}

	var missing, invalid []string
	for _, fieldErr := range validationErrors {
		switch fieldErr.Tag() {
		case "required", "required_with":
			missing = append(missing, fieldErr.Field())
		default:
			invalid = append(invalid, fmt.Sprintf("%s (%s)", fieldErr.Field(), fieldErr.Tag()))
		}
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing config values: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid config values: "+strings.Join(invalid, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

// RequireSubmission checks the keys that are only needed when a new job is
// uploaded and submitted, as opposed to resuming an existing one.
func (c Config) RequireSubmission() error {
	var missing []string
	if c.InputPath == "" {
		missing = append(missing, "input_path")
	}
	if c.FieldMapping == "" {
		missing = append(missing, "field_mapping")
	}
	if len(missing) > 0 {
		return errors.New("missing config values: " + strings.Join(missing, ", "))
	}
	return nil
}
