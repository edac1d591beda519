// Package config loads relay configuration from defaults, config files,
// environment variables, and command-line flags (highest precedence last).
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// HTTPConfig groups HTTP listener settings.
type HTTPConfig struct {
	Port                int           `mapstructure:"http_port"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestBodyBytes int64         `mapstructure:"max_request_body_bytes"`
	CORSAllowedOrigins  []string      `mapstructure:"cors_allowed_origins"`
}

// SOAConfig is the SOA record published at every zone apex.
type SOAConfig struct {
	NS      string `mapstructure:"dns_soa_ns" json:"ns"`
	MBox    string `mapstructure:"dns_soa_mbox" json:"MBox"`
	Refresh int    `mapstructure:"dns_soa_refresh" json:"refresh"`
	Retry   int    `mapstructure:"dns_soa_retry" json:"retry"`
	Expire  int    `mapstructure:"dns_soa_expire" json:"expire"`
	MinTTL  int    `mapstructure:"dns_soa_minttl" json:"minttl"`
	TTL     int    `mapstructure:"dns_soa_ttl" json:"ttl"`
}

// DNSConfig groups settings for the Redis-backed zone store and the hosts the
// relay points records at.
type DNSConfig struct {
	RedisURL    string    `mapstructure:"redis_url"`
	ServerAPI   string    `mapstructure:"dns_server_api"` // zone-reload control endpoint base URL
	ServerIP    string    `mapstructure:"dns_ip"`         // A record for the zone apex
	EWSIP       string    `mapstructure:"ews_ip"`         // wildcard subdomain web server
	EASIP       string    `mapstructure:"eas_ip"`         // mail server
	RedirectIPs []string  `mapstructure:"redirect_ips"`   // redirect front-end servers
	Maintainers []string  `mapstructure:"dns_maintainers"`
	SOA         SOAConfig `mapstructure:",squash"`
}

// GCPConfig groups Google Cloud settings for Certificate Manager and the
// challenge object-store bucket.
type GCPConfig struct {
	ProjectID        string `mapstructure:"gcp_project"`
	CredFile         string `mapstructure:"gcp_cred_path"`
	CertificateMapID string `mapstructure:"certificate_map_id"`
	CertBucket       string `mapstructure:"cert_bucket"`
}

// ACMEConfig groups ACME account settings.
type ACMEConfig struct {
	Email   string `mapstructure:"acme_email"`
	KeyFile string `mapstructure:"acme_key_file"` // persistent account key; ephemeral if empty
	Staging bool   `mapstructure:"acme_staging"`
}

// ChainConfig groups blockchain oracle settings.
type ChainConfig struct {
	ProviderURL         string `mapstructure:"provider"`
	RegistrarController string `mapstructure:"registrar_controller"`
}

// RegistrantConfig holds the fixed registrant contact forwarded to registrars.
type RegistrantConfig struct {
	FirstName     string `mapstructure:"registrant_first_name"`
	LastName      string `mapstructure:"registrant_last_name"`
	Address1      string `mapstructure:"registrant_address1"`
	City          string `mapstructure:"registrant_city"`
	StateProvince string `mapstructure:"registrant_state_province"`
	PostalCode    string `mapstructure:"registrant_postal_code"`
	Country       string `mapstructure:"registrant_country"`
	EmailAddress  string `mapstructure:"registrant_email_address"`
	Phone         string `mapstructure:"registrant_phone"`
	Fax           string `mapstructure:"registrant_fax"`
	Org           string `mapstructure:"registrant_org"`
	JobTitle      string `mapstructure:"registrant_job_title"`
}

// RegistrarConfig groups registrar client settings.
type RegistrarConfig struct {
	Provider string `mapstructure:"registrar_provider"` // "enom" | "namecheap"
	Live     bool   `mapstructure:"registrar_live"`     // false selects the reseller test endpoints
	NS1      string `mapstructure:"ns1"`
	NS2      string `mapstructure:"ns2"`

	EnomUID   string `mapstructure:"enom_uid"`
	EnomToken string `mapstructure:"enom_token"`

	NamecheapAPIUser   string `mapstructure:"namecheap_api_user"`
	NamecheapAPIKey    string `mapstructure:"namecheap_api_key"`
	NamecheapUsername  string `mapstructure:"namecheap_username"`
	NamecheapDefaultIP string `mapstructure:"namecheap_default_ip"`

	Registrant RegistrantConfig `mapstructure:",squash"`
}

// JobsConfig groups the certificate job scheduler retry policy.
type JobsConfig struct {
	MaxAttempts  int           `mapstructure:"cert_job_max_attempts"`
	InitialDelay time.Duration `mapstructure:"cert_job_initial_delay"`
}

// Config is the full relay configuration.
type Config struct {
	Env      string `mapstructure:"env"`       // "dev" | "prod"
	LogLevel string `mapstructure:"log_level"` // debug, info, warn, error

	TLD string `mapstructure:"tld"`

	HTTP      HTTPConfig      `mapstructure:",squash"`
	DNS       DNSConfig       `mapstructure:",squash"`
	GCP       GCPConfig       `mapstructure:",squash"`
	ACME      ACMEConfig      `mapstructure:",squash"`
	Chain     ChainConfig     `mapstructure:",squash"`
	Registrar RegistrarConfig `mapstructure:",squash"`
	Jobs      JobsConfig      `mapstructure:",squash"`

	// MapEntrySwapPause is the pause between deleting a certificate-map entry
	// and creating its replacement during renewal.
	MapEntrySwapPause time.Duration `mapstructure:"map_entry_swap_pause"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Dump returns a pretty, redacted JSON string of the config for debugging.
func (c Config) Dump() string {
	cp := c
	cp.Registrar.EnomToken = redact(cp.Registrar.EnomToken)
	cp.Registrar.NamecheapAPIKey = redact(cp.Registrar.NamecheapAPIKey)
	b, _ := json.MarshalIndent(cp, "", "  ")
	return string(b)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// Load merges defaults, config.* files, RELAY_-prefixed env vars, and
// explicitly set flags into one Config. Final precedence (highest wins):
// flags > env > config file > defaults.
func Load(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info("loaded .env file")
	}

	pflag.String("env", "dev", `Runtime environment "dev"|"prod"`)
	pflag.String("log_level", "debug", "Log level")
	pflag.String("tld", "country", "Top-level domain the relay manages")

	pflag.Int("http_port", 3001, "HTTP port")
	pflag.Int64("max_request_body_bytes", 1<<20, "Max HTTP request body size in bytes")
	pflag.String("cors_allowed_origins", "", `JSON array of origins, e.g. '["https://a.example"]'`)

	pflag.String("redis_url", "", "Redis URL for the DNS zone store (redis://...)")
	pflag.String("dns_server_api", "", "Base URL of the CoreDNS-Redis reload API")
	pflag.String("dns_ip", "", "A record IP for zone apexes")
	pflag.String("ews_ip", "", "Wildcard subdomain web server IP")
	pflag.String("eas_ip", "", "Mail server IP")
	pflag.String("redirect_ips", "", "JSON array of redirect server IPs")
	pflag.String("dns_maintainers", "", "JSON array of maintainer addresses allowed to sign DNS mutations")

	pflag.String("gcp_project", "", "GCP project ID")
	pflag.String("gcp_cred_path", "", "Path to GCP service account credentials")
	pflag.String("certificate_map_id", "", "Certificate Manager map ID")
	pflag.String("cert_bucket", "", "GCS bucket for http-01 challenge files")

	pflag.String("acme_email", "", "ACME account email")
	pflag.String("acme_key_file", "", "Persistent ACME account key file (PEM)")
	pflag.Bool("acme_staging", false, "Use the Let's Encrypt staging directory")

	pflag.String("provider", "", "Blockchain RPC provider URL")
	pflag.String("registrar_controller", "", "Registrar controller contract address")

	pflag.String("registrar_provider", "enom", "Domain registrar: enom or namecheap")
	pflag.Bool("registrar_live", false, "Use the live registrar endpoint instead of the reseller test endpoint")

	pflag.Int("cert_job_max_attempts", 5, "Max attempts per certificate job")
	pflag.String("cert_job_initial_delay", "10s", "Initial retry delay for certificate jobs")
	pflag.String("map_entry_swap_pause", "0s", "Pause between map-entry delete and recreate during renewal")
	pflag.String("connect_timeout", "10s", "Startup timeout for backend connections")
	pflag.Parse()

	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, k := range allKeys() {
		_ = v.BindEnv(k)
	}

	for _, ext := range [...]string{"yaml", "yml", "json", "toml"} {
		file := "config." + ext
		if _, err := os.Stat(file); err != nil {
			continue
		}
		b, err := os.ReadFile(file)
		if err != nil {
			if logger != nil {
				logger.Warn("cannot read config file", zap.String("file", file), zap.Error(err))
			}
			continue
		}
		v.SetConfigType(ext)
		if err := v.MergeConfig(bytes.NewReader(b)); err != nil {
			if logger != nil {
				logger.Warn("cannot decode config file", zap.String("file", file), zap.Error(err))
			}
			continue
		}
		if logger != nil {
			logger.Info("loaded config file", zap.String("file", file))
		}
	}

	setDefaults(v)

	pflag.CommandLine.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			_ = v.BindPFlag(f.Name, f)
		}
	})

	if err := normalizeListKeys(logger, v,
		"cors_allowed_origins",
		"redirect_ips",
		"dns_maintainers",
	); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unable to decode: %w", err)
	}

	cfg.Jobs.InitialDelay = parseDuration(v.Get("cert_job_initial_delay"), 10*time.Second)
	cfg.MapEntrySwapPause = parseDuration(v.Get("map_entry_swap_pause"), 0)
	cfg.ConnectTimeout = parseDuration(v.Get("connect_timeout"), 10*time.Second)
	cfg.HTTP.ReadTimeout = parseDuration(v.Get("read_timeout"), 15*time.Second)
	cfg.HTTP.WriteTimeout = parseDuration(v.Get("write_timeout"), 60*time.Second)
	cfg.HTTP.IdleTimeout = parseDuration(v.Get("idle_timeout"), 120*time.Second)
	cfg.HTTP.ShutdownTimeout = parseDuration(v.Get("shutdown_timeout"), 15*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func allKeys() []string {
	return []string{
		"env", "log_level", "tld",
		"http_port", "max_request_body_bytes", "cors_allowed_origins",
		"read_timeout", "write_timeout", "idle_timeout", "shutdown_timeout",
		"redis_url", "dns_server_api", "dns_ip", "ews_ip", "eas_ip",
		"redirect_ips", "dns_maintainers",
		"dns_soa_ns", "dns_soa_mbox", "dns_soa_refresh", "dns_soa_retry",
		"dns_soa_expire", "dns_soa_minttl", "dns_soa_ttl",
		"gcp_project", "gcp_cred_path", "certificate_map_id", "cert_bucket",
		"acme_email", "acme_key_file", "acme_staging",
		"provider", "registrar_controller",
		"registrar_provider", "registrar_live", "ns1", "ns2",
		"enom_uid", "enom_token",
		"namecheap_api_user", "namecheap_api_key", "namecheap_username", "namecheap_default_ip",
		"registrant_first_name", "registrant_last_name", "registrant_address1",
		"registrant_city", "registrant_state_province", "registrant_postal_code",
		"registrant_country", "registrant_email_address", "registrant_phone",
		"registrant_fax", "registrant_org", "registrant_job_title",
		"cert_job_max_attempts", "cert_job_initial_delay",
		"map_entry_swap_pause", "connect_timeout",
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "debug")
	v.SetDefault("tld", "country")

	v.SetDefault("http_port", 3001)
	v.SetDefault("max_request_body_bytes", int64(1<<20))
	v.SetDefault("cors_allowed_origins", []string{})
	v.SetDefault("read_timeout", "15s")
	v.SetDefault("write_timeout", "60s")
	v.SetDefault("idle_timeout", "120s")
	v.SetDefault("shutdown_timeout", "15s")

	v.SetDefault("redis_url", "redis://127.0.0.1:6379")
	v.SetDefault("redirect_ips", []string{})
	v.SetDefault("dns_maintainers", []string{})
	v.SetDefault("dns_soa_refresh", 86400)
	v.SetDefault("dns_soa_retry", 7200)
	v.SetDefault("dns_soa_expire", 3600)
	v.SetDefault("dns_soa_minttl", 300)
	v.SetDefault("dns_soa_ttl", 300)

	v.SetDefault("acme_staging", false)
	v.SetDefault("registrar_provider", "enom")
	v.SetDefault("registrar_live", false)

	v.SetDefault("cert_job_max_attempts", 5)
	v.SetDefault("cert_job_initial_delay", "10s")
	v.SetDefault("map_entry_swap_pause", "0s")
	v.SetDefault("connect_timeout", "10s")
}

// normalizeListKeys coerces JSON-string values into []string for the given keys.
func normalizeListKeys(logger *zap.Logger, v *viper.Viper, keys ...string) error {
	for _, key := range keys {
		val := v.Get(key)
		switch t := val.(type) {
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			var arr []string
			if err := json.Unmarshal([]byte(s), &arr); err != nil {
				return fmt.Errorf("config key %q expects a JSON array string, got %q: %w", key, s, err)
			}
			v.Set(key, arr)
		case []interface{}:
			arr := make([]string, 0, len(t))
			for _, e := range t {
				arr = append(arr, fmt.Sprint(e))
			}
			v.Set(key, arr)
		case []string, nil:
		default:
			if logger != nil {
				logger.Warn("unexpected type for list key",
					zap.String("key", key), zap.Any("value", t))
			}
		}
	}
	return nil
}

func parseDuration(val any, def time.Duration) time.Duration {
	switch t := val.(type) {
	case time.Duration:
		return t
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
	case int, int64, float64:
		if d, err := time.ParseDuration(fmt.Sprint(t) + "s"); err == nil {
			return d
		}
	}
	return def
}

func validate(cfg Config) error {
	var missing []string
	var invalid []string

	if strings.TrimSpace(cfg.TLD) == "" {
		missing = append(missing, "RELAY_TLD (or --tld)")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		invalid = append(invalid, "http_port must be in 1..65535")
	}
	if strings.TrimSpace(cfg.DNS.RedisURL) == "" {
		missing = append(missing, "RELAY_REDIS_URL (or --redis_url)")
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		invalid = append(invalid, "cert_job_max_attempts must be > 0")
	}
	switch cfg.Registrar.Provider {
	case "enom", "namecheap":
	default:
		invalid = append(invalid, `registrar_provider must be "enom" or "namecheap"`)
	}
	if cfg.ACME.Email != "" && !strings.Contains(cfg.ACME.Email, "@") {
		invalid = append(invalid, "acme_email must look like an email address")
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(invalid, ", "))
	}
	return fmt.Errorf("configuration errors: %s", strings.Join(parts, " | "))
}
