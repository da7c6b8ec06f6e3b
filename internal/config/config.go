package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"admin-key":                            true,
	"":                                     true,
}

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Log         LogConfig
	JWT         JWTConfig
	Hetzner     HetznerConfig
	Timeweb     TimewebConfig
	DNS         DNSConfig
	Bootstrap   BootstrapConfig
	Panel       PanelConfig
	Capacity    CapacityConfig
	Selector    SelectorConfig
	Reconcile   ReconcileConfig
	AdminAPIKey string

	// InternalSecret guards the key-issuance API; empty disables it
	InternalSecret string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Schema   string
	SSLMode  string
}

type LogConfig struct {
	Level string
	JSON  bool
}

type JWTConfig struct {
	SecretKey string
}

type HetznerConfig struct {
	Token           string
	MinInterval     time.Duration
	RequestTimeout  time.Duration
	ImageName       string
	EnablePublicIP4 bool
}

type TimewebConfig struct {
	BaseURL        string
	Token          string
	MinInterval    time.Duration
	RequestTimeout time.Duration
	OSName         string
	OSVersion      string
}

type DNSConfig struct {
	CloudflareToken string
	Zone            string
	Resolver        string
	RequestTimeout  time.Duration
}

type BootstrapConfig struct {
	ScriptURL  string
	ScriptPath string
	ResultFile string
	Timeout    time.Duration
	SSHPort    int
}

type PanelConfig struct {
	Kind           string
	TokenTTL       time.Duration
	RequestTimeout time.Duration
}

// CapacityConfig is the minimum size of an edge node
type CapacityConfig struct {
	MinCPU     int
	MinRAMMB   int
	MinDiskGB  int
	IPSettle   time.Duration
	NamePrefix string
}

type SelectorConfig struct {
	Strategy      string
	UserWeight    float64
	CPUWeight     float64
	MemoryWeight  float64
	TrafficWeight float64
}

// ReconcileConfig tunes the background sweep. Locker is "postgres" for
// advisory locks shared across replicas, or "memory" for a single instance
// with leases expiring after LeaseTTL.
type ReconcileConfig struct {
	Interval time.Duration
	Locker   string
	LeaseTTL time.Duration
}

func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8020"),
			Mode: getEnv("GIN_MODE", "release"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "saas_user"),
			Password: getEnv("DB_PASSWORD", "saas_pass"),
			DBName:   getEnv("DB_NAME", "saas_db"),
			Schema:   getEnv("DB_SCHEMA", "edge"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			JSON:  getEnvBool("LOG_JSON", true),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Hetzner: HetznerConfig{
			Token:           getEnv("HETZNER_TOKEN", ""),
			MinInterval:     getEnvDuration("HETZNER_MIN_INTERVAL", 200*time.Millisecond),
			RequestTimeout:  getEnvDuration("HETZNER_REQUEST_TIMEOUT", 30*time.Second),
			ImageName:       getEnv("HETZNER_IMAGE", "ubuntu-22.04"),
			EnablePublicIP4: getEnvBool("HETZNER_PUBLIC_IPV4", true),
		},
		Timeweb: TimewebConfig{
			BaseURL:        getEnv("TIMEWEB_BASE_URL", "https://api.timeweb.cloud"),
			Token:          getEnv("TIMEWEB_TOKEN", ""),
			MinInterval:    getEnvDuration("TIMEWEB_MIN_INTERVAL", 500*time.Millisecond),
			RequestTimeout: getEnvDuration("TIMEWEB_REQUEST_TIMEOUT", 30*time.Second),
			OSName:         getEnv("TIMEWEB_OS_NAME", "ubuntu"),
			OSVersion:      getEnv("TIMEWEB_OS_VERSION", "22.04"),
		},
		DNS: DNSConfig{
			CloudflareToken: getEnv("CLOUDFLARE_TOKEN", ""),
			Zone:            getEnv("DNS_ZONE", ""),
			Resolver:        getEnv("DNS_RESOLVER", "1.1.1.1:53"),
			RequestTimeout:  getEnvDuration("DNS_REQUEST_TIMEOUT", 15*time.Second),
		},
		Bootstrap: BootstrapConfig{
			ScriptURL:  getEnv("BOOTSTRAP_SCRIPT_URL", ""),
			ScriptPath: getEnv("BOOTSTRAP_SCRIPT_PATH", "/root/install_panel.sh"),
			ResultFile: getEnv("BOOTSTRAP_RESULT_FILE", "/opt/marzban/.env"),
			Timeout:    getEnvDuration("BOOTSTRAP_TIMEOUT", 15*time.Minute),
			SSHPort:    getEnvInt("BOOTSTRAP_SSH_PORT", 22),
		},
		Panel: PanelConfig{
			Kind:           getEnv("PANEL_KIND", "marzban"),
			TokenTTL:       getEnvDuration("PANEL_TOKEN_TTL", 24*time.Hour-10*time.Minute),
			RequestTimeout: getEnvDuration("PANEL_REQUEST_TIMEOUT", 20*time.Second),
		},
		Capacity: CapacityConfig{
			MinCPU:     getEnvInt("CAPACITY_MIN_CPU", 2),
			MinRAMMB:   getEnvInt("CAPACITY_MIN_RAM_MB", 2048),
			MinDiskGB:  getEnvInt("CAPACITY_MIN_DISK_GB", 40),
			IPSettle:   getEnvDuration("PROVIDER_IP_SETTLE_DELAY", 10*time.Second),
			NamePrefix: getEnv("SERVER_NAME_PREFIX", "edge"),
		},
		Selector: SelectorConfig{
			Strategy:      getEnv("SELECTOR_STRATEGY", "balanced"),
			UserWeight:    getEnvFloat("SELECTOR_WEIGHT_USERS", 0.4),
			CPUWeight:     getEnvFloat("SELECTOR_WEIGHT_CPU", 0.2),
			MemoryWeight:  getEnvFloat("SELECTOR_WEIGHT_MEMORY", 0.2),
			TrafficWeight: getEnvFloat("SELECTOR_WEIGHT_TRAFFIC", 0.2),
		},
		Reconcile: ReconcileConfig{
			Interval: getEnvDuration("RECONCILE_INTERVAL", time.Minute),
			Locker:   getEnv("RECONCILE_LOCKER", "postgres"),
			LeaseTTL: getEnvDuration("RECONCILE_LEASE_TTL", 30*time.Minute),
		},
		AdminAPIKey:    getEnv("ADMIN_API_KEY", ""),
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	// 日志脱敏: 不记录敏感配置
	log.Logger.Info().
		Str("port", cfg.Server.Port).
		Str("db", cfg.Database.Host+"/"+cfg.Database.DBName+"."+cfg.Database.Schema).
		Str("dns_zone", cfg.DNS.Zone).
		Str("strategy", cfg.Selector.Strategy).
		Msg("edge provisioner config loaded")

	return cfg
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	if insecureDefaults[c.AdminAPIKey] {
		return fmt.Errorf("ADMIN_API_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.AdminAPIKey) < 32 {
		return fmt.Errorf("ADMIN_API_KEY must be at least 32 characters long")
	}
	if c.InternalSecret != "" && len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long when set")
	}
	if c.JWT.SecretKey != "" && len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long when set")
	}
	if c.Hetzner.Token == "" && c.Timeweb.Token == "" {
		return fmt.Errorf("at least one of HETZNER_TOKEN or TIMEWEB_TOKEN must be set")
	}
	if c.DNS.CloudflareToken == "" || c.DNS.Zone == "" {
		return fmt.Errorf("CLOUDFLARE_TOKEN and DNS_ZONE must be set")
	}
	if c.Bootstrap.ScriptURL == "" {
		return fmt.Errorf("BOOTSTRAP_SCRIPT_URL must be set")
	}
	switch c.Selector.Strategy {
	case "balanced", "traffic_based", "intelligent":
	default:
		return fmt.Errorf("SELECTOR_STRATEGY %q is not one of balanced, traffic_based, intelligent", c.Selector.Strategy)
	}
	if c.Reconcile.Locker != "postgres" && c.Reconcile.Locker != "memory" {
		return fmt.Errorf("RECONCILE_LOCKER %q is not one of postgres, memory", c.Reconcile.Locker)
	}
	if c.Panel.TokenTTL <= 0 {
		return fmt.Errorf("PANEL_TOKEN_TTL must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
