package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// server's components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Maximum number of concurrent connections the server will allow.
	MaxConnections int `mapstructure:"max_connections"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Include the file and line of the caller in each log entry.
		IncludeCaller bool `mapstructure:"include_caller"`
	} `mapstructure:"logging"`

	Web struct {
		// HTTP port serving the /metrics endpoint. 0 disables it.
		HTTPPort int `mapstructure:"http_port"`
	} `mapstructure:"web"`

	Database struct {
		// Either "postgres" or "sqlite".
		Engine string `mapstructure:"engine"`
		// Database file used by the sqlite engine, relative to the config directory.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
		// Upper bound on a single statement executed by the database worker.
		QueryTimeout time.Duration `mapstructure:"query_timeout"`
	} `mapstructure:"database"`

	AuthServer struct {
		// Port on which the authentication server will listen.
		Port int `mapstructure:"port"`
		// X.509 certificate and private key presented during the TLS handshake.
		CertificateFile string `mapstructure:"certificate_file"`
		KeyFile         string `mapstructure:"key_file"`
		// Upper bound on the TLS handshake of a new connection.
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
		// Maximum time a single poll waits for readiness before draining database responses.
		PollTimeout time.Duration `mapstructure:"poll_timeout"`
		// Number of TLS handshakes allowed to run at the same time.
		MaxConcurrentHandshakes int `mapstructure:"max_concurrent_handshakes"`
		// Wrong passwords tolerated on one connection before it is closed.
		MaxProofAttempts int `mapstructure:"max_proof_attempts"`
		// Wrong passwords from one IP within lockout_window before proofs are refused.
		LockoutThreshold int           `mapstructure:"lockout_threshold"`
		LockoutWindow    time.Duration `mapstructure:"lockout_window"`
		// Client version required to log in.
		ClientVersion struct {
			Major    uint8 `mapstructure:"major"`
			Minor    uint8 `mapstructure:"minor"`
			Revision uint8 `mapstructure:"revision"`
		} `mapstructure:"client_version"`
	} `mapstructure:"auth_server"`

	Debugging struct {
		// Enable the pprof server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log packets to the debug log.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`

	configDir string
}

const envVarPrefix = "WARDEN"

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("max_connections", 3000)
	v.SetDefault("logging.log_level", "info")
	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.filename", "warden.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.query_timeout", 5*time.Second)
	v.SetDefault("auth_server.port", 61531)
	v.SetDefault("auth_server.certificate_file", "certificate.pem")
	v.SetDefault("auth_server.key_file", "key.pem")
	v.SetDefault("auth_server.handshake_timeout", 5*time.Second)
	v.SetDefault("auth_server.poll_timeout", 3*time.Second)
	v.SetDefault("auth_server.max_concurrent_handshakes", 64)
	v.SetDefault("auth_server.max_proof_attempts", 3)
	v.SetDefault("auth_server.lockout_threshold", 10)
	v.SetDefault("auth_server.lockout_window", 15*time.Minute)
	v.SetDefault("auth_server.client_version.major", 1)
	v.SetDefault("auth_server.client_version.minor", 0)
	v.SetDefault("auth_server.client_version.revision", 0)
	v.SetDefault("debugging.pprof_port", 6060)
}

// LoadConfig reads config.yaml from the directory at configPath, applying
// defaults and WARDEN_* environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("no config file in path %s", configPath)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshaling config object: %w", err)
	}
	config.configDir = configPath
	return config, nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// AuthServerAddress returns the address the authentication server listens on.
func (c *Config) AuthServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.AuthServer.Port)
}

// QualifiedPath resolves a path from the config file relative to the
// directory containing it. Absolute paths are returned unchanged.
func (c *Config) QualifiedPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}
