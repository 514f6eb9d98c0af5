package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Roles
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
)

// Signaling modes
const (
	ModeSIP      = "sip"
	ModeLoopback = "loopback"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CONSOLE_"

// Config holds the console configuration
type Config struct {
	AgentID    string `yaml:"agent_id" env:"AGENT_ID"`
	Role       string `yaml:"role" env:"ROLE"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`
	HTTPAddr   string `yaml:"http_addr" env:"HTTP_ADDR"`
	HealthAddr string `yaml:"health_addr" env:"HEALTH_ADDR"`

	// Retention keeps terminated sessions addressable for late commands
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// AutoRegister registers the transport at startup
	AutoRegister bool `yaml:"auto_register" env:"AUTO_REGISTER"`

	SIP  SIPConfig  `yaml:"sip" envPrefix:"SIP_"`
	Feed FeedConfig `yaml:"feed" envPrefix:"FEED_"`
	Push PushConfig `yaml:"push" envPrefix:"PUSH_"`
	Auth AuthConfig `yaml:"auth" envPrefix:"AUTH_"`
}

// SIPConfig holds the signaling transport settings
type SIPConfig struct {
	Mode          string `yaml:"mode" env:"MODE"`
	Registrar     string `yaml:"registrar" env:"REGISTRAR"` // host:port
	Domain        string `yaml:"domain" env:"DOMAIN"`
	Username      string `yaml:"username" env:"USERNAME"`
	Password      string `yaml:"password" env:"PASSWORD"`
	DisplayName   string `yaml:"display_name" env:"DISPLAY_NAME"`
	BindHost      string `yaml:"bind_host" env:"BIND_HOST"`
	Port          int    `yaml:"port" env:"PORT"`
	AdvertiseHost string `yaml:"advertise_host" env:"ADVERTISE_HOST"` // auto-detected if not set
	Transport     string `yaml:"transport" env:"TRANSPORT"`
	UserAgent     string `yaml:"user_agent" env:"USER_AGENT"`

	// Where the device's RTP is expected
	MediaHost string `yaml:"media_host" env:"MEDIA_HOST"`
	MediaPort int    `yaml:"media_port" env:"MEDIA_PORT"`

	RegisterExpiry time.Duration `yaml:"register_expiry" env:"REGISTER_EXPIRY"`
	InviteTimeout  time.Duration `yaml:"invite_timeout" env:"INVITE_TIMEOUT"`
	AckTimeout     time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	ReconnectMin   time.Duration `yaml:"reconnect_min" env:"RECONNECT_MIN"`
	ReconnectMax   time.Duration `yaml:"reconnect_max" env:"RECONNECT_MAX"`

	// LoopbackAnswer auto-answers outbound loopback calls after this
	// delay; zero leaves them ringing.
	LoopbackAnswer time.Duration `yaml:"loopback_answer" env:"LOOPBACK_ANSWER"`
}

// FeedConfig holds the call event feed settings. Agents read the websocket
// feed, supervisors the NATS fleet feed.
type FeedConfig struct {
	URL     string `yaml:"url" env:"URL"`
	Channel string `yaml:"channel" env:"CHANNEL"`
	Token   string `yaml:"token" env:"TOKEN"`

	NATSURL string `yaml:"nats_url" env:"NATS_URL"` // comma-separated for a cluster
	Subject string `yaml:"subject" env:"SUBJECT"`

	ReconnectMin   time.Duration `yaml:"reconnect_min" env:"RECONNECT_MIN"`
	ReconnectMax   time.Duration `yaml:"reconnect_max" env:"RECONNECT_MAX"`
	Grace          time.Duration `yaml:"grace" env:"GRACE"`
	PendingTimeout time.Duration `yaml:"pending_timeout" env:"PENDING_TIMEOUT"`
}

// PushConfig holds the push notification settings. Without a Redis address
// notifications are only logged.
type PushConfig struct {
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	Prefix        string        `yaml:"prefix" env:"PREFIX"`
	DeviceID      string        `yaml:"device_id" env:"DEVICE_ID"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
}

// AuthConfig holds capability and API credentials. With a JWT secret and
// agent token the capabilities come from the token; otherwise the static
// flags below apply.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret" env:"JWT_SECRET"`
	AgentToken string `yaml:"agent_token" env:"AGENT_TOKEN"`
	APIToken   string `yaml:"api_token" env:"API_TOKEN"`

	Calling  bool `yaml:"calling" env:"CALLING"`
	Push     bool `yaml:"push" env:"PUSH"`
	Transfer bool `yaml:"transfer" env:"TRANSFER"`
}

// UsesJWT reports whether capabilities come from the agent token.
func (a AuthConfig) UsesJWT() bool {
	return a.JWTSecret != "" && a.AgentToken != ""
}

// Default returns the compiled defaults
func Default() *Config {
	return &Config{
		AgentID:      "agent",
		Role:         RoleAgent,
		LogLevel:     "info",
		HTTPAddr:     ":8080",
		HealthAddr:   ":9091",
		Retention:    30 * time.Second,
		AutoRegister: true,
		SIP: SIPConfig{
			Mode:           ModeSIP,
			BindHost:       "0.0.0.0",
			Port:           5060,
			Transport:      "udp",
			UserAgent:      "callconsole",
			MediaPort:      40000,
			RegisterExpiry: 300 * time.Second,
			InviteTimeout:  30 * time.Second,
			AckTimeout:     32 * time.Second,
			ReconnectMin:   time.Second,
			ReconnectMax:   30 * time.Second,
			LoopbackAnswer: 2 * time.Second,
		},
		Feed: FeedConfig{
			Subject:        "callconsole.calls.>",
			ReconnectMin:   500 * time.Millisecond,
			ReconnectMax:   30 * time.Second,
			Grace:          10 * time.Second,
			PendingTimeout: 5 * time.Second,
		},
		Push: PushConfig{
			Prefix: "callconsole",
			TTL:    2 * time.Minute,
		},
		Auth: AuthConfig{
			Calling:  true,
			Push:     true,
			Transfer: true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file, CONSOLE_* environment variables and finally any
// flags set explicitly in args.
func Load(args []string) (*Config, error) {
	cfg := Default()

	flags := flag.NewFlagSet("callconsole", flag.ContinueOnError)
	configPath := flags.String("config", "", "Path to a YAML config file")
	httpAddr := flags.String("http", cfg.HTTPAddr, "HTTP API listen address")
	logLevel := flags.String("loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	mode := flags.String("mode", cfg.SIP.Mode, "Signaling mode (sip, loopback)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	// Explicit flags win over everything else
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "loglevel":
			cfg.LogLevel = *logLevel
		case "mode":
			cfg.SIP.Mode = *mode
		}
	})

	if cfg.SIP.Mode == ModeSIP && (cfg.SIP.AdvertiseHost == "" || !isValidAddress(cfg.SIP.AdvertiseHost)) {
		cfg.SIP.AdvertiseHost = getPrimaryInterfaceIP()
	}
	if cfg.SIP.MediaHost == "" {
		cfg.SIP.MediaHost = cfg.SIP.AdvertiseHost
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks enumerations, required fields and timer bounds.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleAgent, RoleSupervisor:
	default:
		errs = append(errs, fmt.Errorf("unknown role %q (want %s or %s)", c.Role, RoleAgent, RoleSupervisor))
	}
	switch c.SIP.Mode {
	case ModeSIP:
		if c.SIP.Registrar == "" {
			errs = append(errs, errors.New("sip mode requires a registrar"))
		}
	case ModeLoopback:
	default:
		errs = append(errs, fmt.Errorf("unknown signaling mode %q (want %s or %s)", c.SIP.Mode, ModeSIP, ModeLoopback))
	}
	if c.AgentID == "" {
		errs = append(errs, errors.New("agent id is required"))
	}
	if c.Role == RoleSupervisor && c.Feed.NATSURL == "" {
		errs = append(errs, errors.New("supervisor role requires a NATS feed URL"))
	}
	if c.Auth.JWTSecret != "" && c.Auth.AgentToken == "" {
		errs = append(errs, errors.New("jwt secret set without an agent token"))
	}

	timers := []struct {
		name string
		d    time.Duration
	}{
		{"retention", c.Retention},
		{"sip.register_expiry", c.SIP.RegisterExpiry},
		{"sip.invite_timeout", c.SIP.InviteTimeout},
		{"sip.ack_timeout", c.SIP.AckTimeout},
		{"sip.reconnect_min", c.SIP.ReconnectMin},
		{"sip.reconnect_max", c.SIP.ReconnectMax},
		{"feed.reconnect_min", c.Feed.ReconnectMin},
		{"feed.reconnect_max", c.Feed.ReconnectMax},
		{"feed.grace", c.Feed.Grace},
		{"feed.pending_timeout", c.Feed.PendingTimeout},
		{"push.ttl", c.Push.TTL},
	}
	for _, t := range timers {
		if t.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", t.name, t.d))
		}
	}
	if c.SIP.ReconnectMax < c.SIP.ReconnectMin {
		errs = append(errs, errors.New("sip.reconnect_max is below sip.reconnect_min"))
	}
	if c.Feed.ReconnectMax < c.Feed.ReconnectMin {
		errs = append(errs, errors.New("feed.reconnect_max is below feed.reconnect_min"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
