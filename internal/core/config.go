package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the raidgate
// server components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Port on which the websocket endpoint will be exposed.
	Port int `mapstructure:"port"`
	// Maximum number of concurrent connections the server will allow.
	MaxConnections int `mapstructure:"max_connections"`
	// Largest inbound message (in bytes) the server will accept before
	// closing the offending connection.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	Admission struct {
		// Number of connection attempts a single IP may make within ConnectionRateWindow.
		ConnectionRateLimit  int           `mapstructure:"connection_rate_limit"`
		ConnectionRateWindow time.Duration `mapstructure:"connection_rate_window"`
		// How long an IP that exceeds the connection rate is automatically blocked.
		AutoBlockDuration time.Duration `mapstructure:"auto_block_duration"`
		// Number of messages a single connection may send within MessageRateWindow.
		MessageRateLimit  int           `mapstructure:"message_rate_limit"`
		MessageRateWindow time.Duration `mapstructure:"message_rate_window"`
		// Connections with no inbound traffic for this long are evicted.
		IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"admission"`

	Auth struct {
		// Whether clients must pass the challenge-response handshake before
		// any gameplay message is processed.
		ChallengeRequired bool `mapstructure:"challenge_required"`
		// Shared secret used to key the challenge-response hash.
		SharedSecret string `mapstructure:"shared_secret"`
		// Window within which a challenge response must arrive.
		ChallengeTimeout time.Duration `mapstructure:"challenge_timeout"`
	} `mapstructure:"auth"`

	Relay struct {
		// Fixed latency budget added to buffered broadcasts so that every
		// client's playback buffer behaves identically.
		BroadcastDelay time.Duration `mapstructure:"broadcast_delay"`
	} `mapstructure:"relay"`

	Database struct {
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres for raidgate.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "RAIDGATE"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURI generates the URI for connecting to the Postgres instance.
func (c *Config) DatabaseURI() string {
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
