package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"uas-server/pkg/errors"
	"uas-server/pkg/media"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	SIP       SIPConfig
	Media     MediaConfig
	Process   ProcessConfig
	App       AppConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	HotReload HotReloadConfig

	// EnvFile is the .env file the configuration was loaded from, if any
	EnvFile string
}

// SIPConfig holds the SIP transport settings
type SIPConfig struct {
	// Address the listeners bind to
	ListenAddress string
	// Ports to listen on
	Ports     []int
	EnableUDP bool
	EnableTCP bool
	// ContactHost is advertised in Contact headers
	ContactHost string
	// SessionName is the s= line of SDP answers
	SessionName string
	// ByeTimeout bounds the wait for a BYE response
	ByeTimeout time.Duration
}

// MediaConfig holds the media server settings
type MediaConfig struct {
	// LocalIP is the RTP address advertised for media sessions
	LocalIP    string
	RTPPortMin int
	RTPPortMax int
	// PlayDuration is how long the loopback media server plays a prompt
	PlayDuration time.Duration
	// StreamRTP makes the media server send silence while playing
	StreamRTP bool
}

// ProcessConfig holds the actor runtime settings
type ProcessConfig struct {
	MailboxSize        int
	EventsSize         int
	ReadyTimeout       time.Duration
	ShutdownTimeout    time.Duration
	TransactionTimeout time.Duration
	KeepAlive          time.Duration
}

// AppConfig holds the call-handling policy
type AppConfig struct {
	// Codecs accepted, in preference order
	Codecs         []string
	Greeting       string
	LoopGreeting   bool
	MaxCalls       int
	ConnectTimeout time.Duration
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string
	Format     string
	OutputFile string
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool
	Address string
	Path    string
}

// HotReloadConfig holds the .env watcher settings
type HotReloadConfig struct {
	Enabled      bool
	DebounceTime time.Duration
}

// Load discovers a .env file, then builds and validates the configuration
// from the environment.
func Load(logger *logrus.Logger) (*Config, error) {
	envFile := loadEnvFile(logger)

	config, err := build(logger)
	if err != nil {
		return nil, err
	}
	config.EnvFile = envFile

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}

// loadEnvFile loads the first .env file found and returns its absolute path.
// Variables already set in the environment win.
func loadEnvFile(logger *logrus.Logger) string {
	// Get current working directory
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	// Define possible locations for .env file
	possibleEnvFiles := []string{
		".env",                    // Current directory
		"../.env",                 // Parent directory
		filepath.Join(wd, ".env"), // Absolute path
	}

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		logger.WithField("path", absPath).Debug("Attempting to load .env file")

		if loadErr := godotenv.Load(envFile); loadErr != nil {
			logger.WithError(loadErr).WithField("path", absPath).Warn("Failed to load .env file")
			continue
		}
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        absPath,
		}).Info("Successfully loaded .env file")
		return absPath
	}

	logger.WithField("working_dir", wd).Warn("No .env file found, using environment variables only")
	return ""
}

// build reads every section from the environment
func build(logger *logrus.Logger) (*Config, error) {
	config := &Config{}

	if err := loadSIPConfig(logger, &config.SIP); err != nil {
		return nil, errors.Wrap(err, "failed to load SIP configuration")
	}
	loadMediaConfig(&config.Media, config.SIP.ContactHost)
	loadProcessConfig(&config.Process)
	loadAppConfig(&config.App)
	loadLoggingConfig(logger, &config.Logging)
	loadMetricsConfig(&config.Metrics)
	loadHotReloadConfig(logger, &config.HotReload)

	return config, nil
}

func loadSIPConfig(logger *logrus.Logger, config *SIPConfig) error {
	config.ListenAddress = getEnv("SIP_LISTEN_ADDRESS", "0.0.0.0")

	ports, err := parsePorts(getEnv("SIP_PORTS", "5060"), "SIP_PORTS")
	if err != nil {
		return err
	}
	config.Ports = ports

	config.EnableUDP = getEnvBool("SIP_ENABLE_UDP", true)
	config.EnableTCP = getEnvBool("SIP_ENABLE_TCP", true)
	config.ContactHost = getEnv("SIP_CONTACT_HOST", "")
	if config.ContactHost == "" {
		config.ContactHost = getInternalIP(logger)
	}
	config.SessionName = getEnv("SDP_SESSION_NAME", "uas session")
	config.ByeTimeout = getEnvDuration("SIP_BYE_TIMEOUT", 5*time.Second)
	return nil
}

func loadMediaConfig(config *MediaConfig, contactHost string) {
	config.LocalIP = getEnv("MEDIA_LOCAL_IP", contactHost)
	config.RTPPortMin = getEnvInt("RTP_PORT_MIN", 10000)
	config.RTPPortMax = getEnvInt("RTP_PORT_MAX", 20000)
	config.PlayDuration = getEnvDuration("MEDIA_PLAY_DURATION", 3*time.Second)
	config.StreamRTP = getEnvBool("MEDIA_STREAM_RTP", false)
}

func loadProcessConfig(config *ProcessConfig) {
	config.MailboxSize = getEnvInt("PROCESS_MAILBOX_SIZE", 64)
	config.EventsSize = getEnvInt("UAS_EVENTS_SIZE", 256)
	config.ReadyTimeout = getEnvDuration("PROCESS_READY_TIMEOUT", 5*time.Second)
	config.ShutdownTimeout = getEnvDuration("PROCESS_SHUTDOWN_TIMEOUT", 5*time.Second)
	config.TransactionTimeout = getEnvDuration("TRANSACTION_TIMEOUT", 5*time.Second)
	config.KeepAlive = getEnvDuration("PROCESS_KEEPALIVE", 60*time.Second)
}

func loadAppConfig(config *AppConfig) {
	config.Codecs = splitList(getEnv("APP_CODECS", "PCMU,PCMA"))
	config.Greeting = getEnv("APP_GREETING", "welcome.wav")
	config.LoopGreeting = getEnvBool("APP_LOOP_GREETING", false)
	config.MaxCalls = getEnvInt("MAX_CONCURRENT_CALLS", 0)
	config.ConnectTimeout = getEnvDuration("APP_CONNECT_TIMEOUT", 32*time.Second)
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) {
	// Load log level
	config.Level = getEnv("LOG_LEVEL", "info")

	// Validate log level
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	// Load log format
	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	// Load log output file
	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

func loadMetricsConfig(config *MetricsConfig) {
	config.Enabled = getEnvBool("METRICS_ENABLED", true)
	config.Address = getEnv("METRICS_ADDRESS", ":9090")
	config.Path = getEnv("METRICS_PATH", "/metrics")
}

func loadHotReloadConfig(logger *logrus.Logger, config *HotReloadConfig) {
	config.Enabled = getEnvBool("CONFIG_HOTRELOAD_ENABLED", true)

	debounceStr := getEnv("CONFIG_HOTRELOAD_DEBOUNCE", "2s")
	debounce, err := time.ParseDuration(debounceStr)
	if err != nil {
		logger.Warn("Invalid CONFIG_HOTRELOAD_DEBOUNCE value, using default: 2s")
		debounce = 2 * time.Second
	}
	config.DebounceTime = debounce
}

// validateConfig rejects configurations the server cannot start with
func validateConfig(logger *logrus.Logger, config *Config) error {
	result := NewConfigValidator(logger).ValidateConfig(config)
	if !result.Valid {
		return errors.NewInvalidInput(result.Summary, map[string]interface{}{
			"errors": len(result.Errors),
		})
	}
	return nil
}

// MediaFormats resolves the configured codec names
func (a *AppConfig) MediaFormats() ([]media.MediaFormat, error) {
	formats := make([]media.MediaFormat, 0, len(a.Codecs))
	for _, name := range a.Codecs {
		f, ok := media.FormatByName(name)
		if !ok {
			return nil, errors.NewInvalidInput(fmt.Sprintf("unsupported codec: %s", name))
		}
		formats = append(formats, f)
	}
	return formats, nil
}

// ApplyLogging applies the logging section to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	// Set log level
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	// Set log format
	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	// Set log output
	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to parse comma-separated port list
func parsePorts(portsStr, envName string) ([]int, error) {
	var ports []int
	for _, portStr := range splitList(portsStr) {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("invalid port in %s: %s", envName, portStr))
		}

		if port < 1 || port > 65535 {
			return nil, errors.New(fmt.Sprintf("port out of range in %s: %d", envName, port))
		}

		ports = append(ports, port)
	}

	return ports, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// Helper function to get internal IP
func getInternalIP(logger *logrus.Logger) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logger.Warn("Could not get interface addresses, using localhost as fallback")
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	logger.Warn("Could not find non-loopback interface address, using localhost as fallback")
	return "127.0.0.1"
}
