package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"

	"httt-dev/lo-recover/internal/models"
)

// EnvPrefix prefixes every environment variable that overrides the config file
const EnvPrefix = "LO_RECOVER"

// Exporter names accepted by the exporter setting
const (
	ExporterNative = "native"
	ExporterPsql   = "psql"
)

// Endpoint holds the connection parameters of one database
type Endpoint struct {
	Host            string
	Port            string
	Database        string
	User            string
	Password        string
	SSLMode         string
	ConnectTimeout  int
	ApplicationName string
}

// Config holds all configuration
type Config struct {
	Source Endpoint
	Target Endpoint

	Workers      int
	Step         int
	MinOID       models.OID
	MaxOID       models.OID
	DiffAttempts int

	SuccessLog string
	FailureLog string

	Exporter   string
	PsqlPath   string
	StagingDir string

	SkipFailed bool
	Strict     bool
}

// flagKeys maps command line flag names to config keys
var flagKeys = map[string]string{
	"number-thread": "recover.workers",
	"step":          "recover.step",
	"min-oid":       "recover.min_oid",
	"max-oid":       "recover.max_oid",
	"exporter":      "recover.exporter",
	"success-log":   "recover.success_log",
	"failure-log":   "recover.failure_log",
	"staging-dir":   "recover.staging_dir",
	"skip-failed":   "recover.skip_failed",
	"strict":        "recover.strict",
}

// LoadConfig reads the INI file at path, applies environment overrides and
// then any flags that were set on the command line.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Could not find .env file, using system environment variables: %v", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	sections, err := readINI(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	if err := v.MergeConfigMap(sections); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readINI parses the config file into section maps. '#' and ';' only start a
// comment at the beginning of a line, so they may appear inside passwords.
func readINI(path string) (map[string]any, error) {
	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	for _, section := range file.Sections() {
		keys := out
		if name := section.Name(); name != ini.DefaultSection {
			keys = make(map[string]any)
			out[strings.ToLower(name)] = keys
		}
		for _, key := range section.Keys() {
			keys[strings.ToLower(key.Name())] = key.Value()
		}
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("recover.workers", models.DefaultWorkers)
	v.SetDefault("recover.step", models.DefaultStep)
	v.SetDefault("recover.min_oid", models.DefaultMinOID)
	v.SetDefault("recover.max_oid", models.DefaultMaxOID)
	v.SetDefault("recover.diff_attempts", models.DefaultDiffAttempts)
	v.SetDefault("recover.success_log", models.DefaultSuccessLog)
	v.SetDefault("recover.failure_log", models.DefaultFailureLog)
	v.SetDefault("recover.exporter", ExporterNative)
	v.SetDefault("recover.psql_path", "psql")
	v.SetDefault("recover.staging_dir", "")
	v.SetDefault("recover.connect_timeout", 0)
	v.SetDefault("recover.application_name", "lo-recover")
	v.SetDefault("recover.skip_failed", false)
	v.SetDefault("recover.strict", false)
	for _, section := range []string{string(models.Source), string(models.Target)} {
		for _, key := range []string{"host", "port", "database", "user", "password", "sslmode"} {
			v.SetDefault(section+"."+key, "")
		}
	}
}

func fromViper(v *viper.Viper) (*Config, error) {
	minOID, err := oidValue(v, "recover.min_oid")
	if err != nil {
		return nil, err
	}
	maxOID, err := oidValue(v, "recover.max_oid")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Source:       readEndpoint(v, string(models.Source)),
		Target:       readEndpoint(v, string(models.Target)),
		Workers:      v.GetInt("recover.workers"),
		Step:         v.GetInt("recover.step"),
		MinOID:       minOID,
		MaxOID:       maxOID,
		DiffAttempts: v.GetInt("recover.diff_attempts"),
		SuccessLog:   strings.TrimSpace(v.GetString("recover.success_log")),
		FailureLog:   strings.TrimSpace(v.GetString("recover.failure_log")),
		Exporter:     strings.ToLower(strings.TrimSpace(v.GetString("recover.exporter"))),
		PsqlPath:     strings.TrimSpace(v.GetString("recover.psql_path")),
		StagingDir:   strings.TrimSpace(v.GetString("recover.staging_dir")),
		SkipFailed:   v.GetBool("recover.skip_failed"),
		Strict:       v.GetBool("recover.strict"),
	}
	return cfg, nil
}

func readEndpoint(v *viper.Viper, section string) Endpoint {
	return Endpoint{
		Host:            strings.TrimSpace(v.GetString(section + ".host")),
		Port:            strings.TrimSpace(v.GetString(section + ".port")),
		Database:        strings.TrimSpace(v.GetString(section + ".database")),
		User:            v.GetString(section + ".user"),
		Password:        v.GetString(section + ".password"),
		SSLMode:         strings.TrimSpace(v.GetString(section + ".sslmode")),
		ConnectTimeout:  v.GetInt("recover.connect_timeout"),
		ApplicationName: v.GetString("recover.application_name"),
	}
}

// oidValue parses key as an OID; values outside the uint32 domain are rejected
func oidValue(v *viper.Viper, key string) (models.OID, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid oid %q: %w", key, raw, err)
	}
	if n > uint64(models.MaxOID) {
		return 0, fmt.Errorf("%s: oid %d exceeds %d", key, n, models.MaxOID)
	}
	return models.OID(n), nil
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	if err := c.Source.validate(string(models.Source)); err != nil {
		return err
	}
	if err := c.Target.validate(string(models.Target)); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Step < 1 {
		return fmt.Errorf("step must be at least 1, got %d", c.Step)
	}
	if c.MinOID > c.MaxOID {
		return fmt.Errorf("min_oid %d is greater than max_oid %d", c.MinOID, c.MaxOID)
	}
	if c.DiffAttempts < 1 {
		return fmt.Errorf("diff_attempts must be at least 1, got %d", c.DiffAttempts)
	}
	if c.SuccessLog == "" || c.FailureLog == "" {
		return fmt.Errorf("success_log and failure_log are required")
	}
	if c.SuccessLog == c.FailureLog {
		return fmt.Errorf("success_log and failure_log must differ, both are %s", c.SuccessLog)
	}
	switch c.Exporter {
	case ExporterNative:
	case ExporterPsql:
		if c.PsqlPath == "" {
			return fmt.Errorf("psql_path is required for the psql exporter")
		}
	default:
		return fmt.Errorf("unsupported exporter: %s", c.Exporter)
	}
	return nil
}

func (e Endpoint) validate(section string) error {
	if e.Host == "" {
		return fmt.Errorf("[%s] host is required", section)
	}
	if e.Database == "" {
		return fmt.Errorf("[%s] database is required", section)
	}
	if e.User == "" {
		return fmt.Errorf("[%s] user is required", section)
	}
	port, err := strconv.Atoi(e.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("[%s] invalid port %q", section, e.Port)
	}
	return nil
}

// ConnString builds the postgres URL of the endpoint. User, password, host and
// database are escaped; the password and sslmode are only added when set.
func (e Endpoint) ConnString() string {
	user := url.User(e.User)
	if e.Password != "" {
		user = url.UserPassword(e.User, e.Password)
	}
	u := url.URL{
		Scheme: "postgres",
		User:   user,
		Host:   net.JoinHostPort(e.Host, e.Port),
		Path:   "/" + e.Database,
	}

	q := url.Values{}
	if mode := strings.TrimSpace(e.SSLMode); mode != "" {
		q.Set("sslmode", mode)
	}
	if e.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(e.ConnectTimeout))
	}
	if e.ApplicationName != "" {
		q.Set("application_name", e.ApplicationName)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// Redacted returns the connection string with the password masked, for logs
func (e Endpoint) Redacted() string {
	masked := e
	if masked.Password != "" {
		masked.Password = "xxxxx"
	}
	return masked.ConnString()
}
