package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "MAILWATCH_CONFIG"
	envS3Key      = "MAILWATCH_S3_KEY"
	envS3Secret   = "MAILWATCH_S3_SECRET"

	keyringService = "mailwatch"

	DefaultPort          = 993
	DefaultFolder        = "INBOX"
	DefaultIdleTimeout   = 29 * time.Minute
	DefaultSearchCommand = "UNSEEN"
	DefaultServiceName   = "mailwatch"

	BackendIMAP = "imap"
)

type DeliveryMethod string

const (
	DeliveryWebhook DeliveryMethod = "webhook"
	DeliveryS3      DeliveryMethod = "s3"
	DeliveryLogger  DeliveryMethod = "logger"
)

// Config holds the whole process configuration loaded from YAML.
type Config struct {
	Mailboxes []Mailbox `yaml:"mailboxes"`
	Ledger    Ledger    `yaml:"ledger"`
	Status    Status    `yaml:"status"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Mailbox is the configuration of one watched mailbox. It is copied by value
// into each connection and never changed afterwards.
type Mailbox struct {
	Name                string   `yaml:"name"`
	Host                string   `yaml:"host"`
	Port                int      `yaml:"port"`
	SSL                 *bool    `yaml:"ssl"`
	StartTLS            bool     `yaml:"start_tls"`
	InsecureSkipVerify  bool     `yaml:"insecure_skip_verify"`
	Email               string   `yaml:"email"`
	Password            string   `yaml:"password"`
	PasswordEnv         string   `yaml:"password_env"`
	PasswordKeyring     string   `yaml:"password_keyring"`
	IdleTimeout         Duration `yaml:"idle_timeout"`
	SearchCommand       string   `yaml:"search_command"`
	LimitMaxUnread      int      `yaml:"limit_max_unread"`
	DeleteAfterDelivery bool     `yaml:"delete_after_delivery"`
	ExpungeDeleted      bool     `yaml:"expunge_deleted"`
	MoveAfterDelivery   bool     `yaml:"move_after_delivery"`
	Stage               string   `yaml:"stage"`
	Context             string   `yaml:"context"`
	Compress            bool     `yaml:"compress"`
	Backend             string   `yaml:"backend"`
	Delivery            Delivery `yaml:"delivery"`
}

// Delivery configures the delivery function invoked for each new message.
type Delivery struct {
	Method   DeliveryMethod    `yaml:"method"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  Duration          `yaml:"timeout"`
	Rate     float64           `yaml:"rate"`
	Burst    int               `yaml:"burst"`
	Bucket   string            `yaml:"bucket"`
	Region   string            `yaml:"region"`
	Endpoint string            `yaml:"endpoint"`
	Prefix   string            `yaml:"prefix"`
	Key      string            `yaml:"key"`
	Secret   string            `yaml:"secret"`
}

// Ledger configures the delivered-message store. An empty path disables it.
type Ledger struct {
	Path string `yaml:"path"`
}

// Status configures the HTTP status endpoint. An empty address disables it.
type Status struct {
	Addr string `yaml:"addr"`
}

type Telemetry struct {
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
}

// Duration accepts Go durations ("90s", "29m") and whole or fractional days ("1d").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseRelativeDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func ParseRelativeDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if strings.HasSuffix(trimmed, "d") {
		daysValue := strings.TrimSuffix(trimmed, "d")
		days, err := strconv.ParseFloat(strings.TrimSpace(daysValue), 64)
		if err != nil {
			return 0, err
		}
		if days < 0 {
			return 0, errors.New("duration must be positive")
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	dur, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, errors.New("duration must be positive")
	}
	return dur, nil
}

// Addr returns host:port.
func (m Mailbox) Addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// UseSSL reports whether the connection starts with a TLS handshake.
func (m Mailbox) UseSSL() bool {
	return m.SSL == nil || *m.SSL
}

// Label is the correlation context attached to every log record.
func (m Mailbox) Label() string {
	if strings.TrimSpace(m.Context) != "" {
		return m.Context
	}
	return fmt.Sprintf("%s/%s", m.Email, m.Name)
}

// Load reads configuration from a YAML file, applies defaults and resolves
// passwords.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	for i := range cfg.Mailboxes {
		if err := resolvePassword(&cfg.Mailboxes[i]); err != nil {
			return Config{}, err
		}
		resolveS3Credentials(&cfg.Mailboxes[i].Delivery)
	}

	return cfg, nil
}

func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Telemetry.ServiceName) == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	for i := range cfg.Mailboxes {
		mb := &cfg.Mailboxes[i]
		if mb.Port == 0 {
			mb.Port = DefaultPort
		}
		if strings.TrimSpace(mb.Name) == "" {
			mb.Name = DefaultFolder
		}
		if mb.IdleTimeout == 0 {
			mb.IdleTimeout = Duration(DefaultIdleTimeout)
		}
		if strings.TrimSpace(mb.SearchCommand) == "" {
			mb.SearchCommand = DefaultSearchCommand
		}
		if strings.TrimSpace(mb.Backend) == "" {
			mb.Backend = BackendIMAP
		}
		if mb.Delivery.Method == "" {
			mb.Delivery.Method = DeliveryLogger
		}
		if mb.SSL == nil {
			ssl := !mb.StartTLS
			mb.SSL = &ssl
		}
	}
}

func resolvePassword(mb *Mailbox) error {
	if mb.Password != "" {
		return nil
	}
	if name := strings.TrimSpace(mb.PasswordEnv); name != "" {
		mb.Password = os.Getenv(name)
		return nil
	}
	if key := strings.TrimSpace(mb.PasswordKeyring); key != "" {
		password, err := keyringPassword(key)
		if err != nil {
			return err
		}
		mb.Password = password
	}
	return nil
}

var keyringPassword = func(key string) (string, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return "", fmt.Errorf("opening keyring: %w", err)
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func resolveS3Credentials(d *Delivery) {
	if d.Method != DeliveryS3 {
		return
	}
	if d.Key == "" {
		d.Key = strings.TrimSpace(os.Getenv(envS3Key))
	}
	if d.Secret == "" {
		d.Secret = strings.TrimSpace(os.Getenv(envS3Secret))
	}
}

// Validate performs basic validation on the loaded config.
func Validate(cfg Config) error {
	if len(cfg.Mailboxes) == 0 {
		return errors.New("config must define at least one mailbox")
	}
	for i, mb := range cfg.Mailboxes {
		if err := ValidateMailbox(mb); err != nil {
			return fmt.Errorf("mailbox %d: %w", i+1, err)
		}
	}
	return nil
}

func ValidateMailbox(mb Mailbox) error {
	missing := []string{}
	if strings.TrimSpace(mb.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(mb.Email) == "" {
		missing = append(missing, "email")
	}
	if mb.Password == "" {
		missing = append(missing, "password")
	}
	if strings.TrimSpace(mb.Name) == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	if mb.Port <= 0 || mb.Port > 65535 {
		return fmt.Errorf("invalid port %d", mb.Port)
	}
	if mb.StartTLS && mb.UseSSL() {
		return errors.New("ssl and start_tls are mutually exclusive")
	}
	if mb.LimitMaxUnread < 0 {
		return errors.New("limit_max_unread must not be negative")
	}
	if mb.MoveAfterDelivery && strings.TrimSpace(mb.Stage) == "" {
		return errors.New("move_after_delivery requires stage")
	}
	if mb.ExpungeDeleted && !mb.DeleteAfterDelivery {
		return errors.New("expunge_deleted requires delete_after_delivery")
	}
	if mb.Backend != BackendIMAP {
		return fmt.Errorf("unsupported backend %q", mb.Backend)
	}

	switch mb.Delivery.Method {
	case DeliveryWebhook:
		if strings.TrimSpace(mb.Delivery.URL) == "" {
			return errors.New("webhook delivery requires url")
		}
		if mb.Delivery.Rate < 0 {
			return errors.New("webhook rate must not be negative")
		}
	case DeliveryS3:
		if strings.TrimSpace(mb.Delivery.Bucket) == "" {
			return errors.New("s3 delivery requires bucket")
		}
	case DeliveryLogger:
	default:
		return fmt.Errorf("unsupported delivery method %q", mb.Delivery.Method)
	}
	return nil
}

// Summary returns a concise config summary for validation runs.
func Summary(cfg Config) string {
	builder := &strings.Builder{}
	builder.WriteString("Config summary\n")
	fmt.Fprintf(builder, "- mailboxes: %d\n", len(cfg.Mailboxes))
	for _, mb := range cfg.Mailboxes {
		fmt.Fprintf(builder, "  - %s (%s, folder %q, delivery %s)\n", mb.Label(), mb.Addr(), mb.Name, mb.Delivery.Method)
	}
	fmt.Fprintf(builder, "- ledger path: %s\n", defaultIfEmpty(cfg.Ledger.Path, "(not set)"))
	fmt.Fprintf(builder, "- status addr: %s\n", defaultIfEmpty(cfg.Status.Addr, "(not set)"))
	fmt.Fprintf(builder, "- telemetry endpoint: %s", defaultIfEmpty(cfg.Telemetry.Endpoint, "(stdout)"))
	return builder.String()
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
