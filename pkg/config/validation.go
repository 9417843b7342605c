package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"

	"uas-server/pkg/media"
)

// ConfigValidator handles configuration validation
type ConfigValidator struct {
	logger   *logrus.Logger
	errors   []ValidationError
	warnings []ValidationWarning
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value"`
	Rule    string      `json:"rule"`
	Message string      `json:"message"`
}

// ValidationWarning represents a configuration validation warning
type ValidationWarning struct {
	Field      string      `json:"field"`
	Value      interface{} `json:"value"`
	Message    string      `json:"message"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// ValidationResult represents the result of configuration validation
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
	Summary  string              `json:"summary"`
}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator(logger *logrus.Logger) *ConfigValidator {
	return &ConfigValidator{
		logger:   logger,
		errors:   make([]ValidationError, 0),
		warnings: make([]ValidationWarning, 0),
	}
}

// ValidateConfig validates the entire configuration
func (v *ConfigValidator) ValidateConfig(config *Config) *ValidationResult {
	v.errors = make([]ValidationError, 0)
	v.warnings = make([]ValidationWarning, 0)

	v.validateSIPConfig(config)
	v.validateMediaConfig(config)
	v.validateProcessConfig(config)
	v.validateAppConfig(config)

	result := &ValidationResult{
		Valid:    len(v.errors) == 0,
		Errors:   v.errors,
		Warnings: v.warnings,
	}
	result.Summary = v.generateSummary()

	for _, err := range v.errors {
		v.logger.WithFields(logrus.Fields{
			"field": err.Field,
			"value": err.Value,
			"rule":  err.Rule,
		}).Error(err.Message)
	}
	for _, warning := range v.warnings {
		v.logger.WithFields(logrus.Fields{
			"field": warning.Field,
			"value": warning.Value,
		}).Warning(warning.Message)
	}

	return result
}

func (v *ConfigValidator) validateSIPConfig(config *Config) {
	if len(config.SIP.Ports) == 0 {
		v.addError("sip_ports", config.SIP.Ports, "required", "At least one SIP port must be configured")
	}
	if !config.SIP.EnableUDP && !config.SIP.EnableTCP {
		v.addError("sip_transports", nil, "required", "At least one of UDP and TCP must be enabled")
	}
	if ip := net.ParseIP(config.SIP.ListenAddress); ip == nil {
		v.addError("sip_listen_address", config.SIP.ListenAddress, "format", "SIP listen address must be an IP address")
	}
	if config.SIP.ContactHost == "" {
		v.addError("sip_contact_host", config.SIP.ContactHost, "required", "SIP contact host must be set")
	}
	if config.Metrics.Enabled && config.SIP.EnableTCP {
		for _, port := range config.SIP.Ports {
			if strings.HasSuffix(config.Metrics.Address, fmt.Sprintf(":%d", port)) {
				v.addError("metrics_address", config.Metrics.Address, "conflict",
					fmt.Sprintf("Metrics port conflicts with SIP TCP port %d", port))
			}
		}
	}
}

func (v *ConfigValidator) validateMediaConfig(config *Config) {
	if !(media.CnxInfo{IP: config.Media.LocalIP, Port: config.Media.RTPPortMin}).Valid() {
		v.addError("media_local_ip", config.Media.LocalIP, "format", "Media local IP must be an IPv4 address")
	}
	if config.Media.RTPPortMax <= config.Media.RTPPortMin {
		v.addError("rtp_port_range", []int{config.Media.RTPPortMin, config.Media.RTPPortMax}, "range",
			"RTP_PORT_MAX must be greater than RTP_PORT_MIN")
	}
	if config.Media.RTPPortMin < 1024 {
		v.addWarning("rtp_port_min", config.Media.RTPPortMin, "RTP ports below 1024 require root privileges", "Use ports above 1024")
	}
}

func (v *ConfigValidator) validateProcessConfig(config *Config) {
	if config.Process.MailboxSize <= 0 {
		v.addError("process_mailbox_size", config.Process.MailboxSize, "range", "Mailbox size must be positive")
	}
	if config.Process.TransactionTimeout <= 0 {
		v.addError("transaction_timeout", config.Process.TransactionTimeout, "range", "Transaction timeout must be positive")
	}
	if config.Process.ShutdownTimeout <= 0 {
		v.addError("process_shutdown_timeout", config.Process.ShutdownTimeout, "range", "Shutdown timeout must be positive")
	}
	if config.Process.ReadyTimeout <= 0 {
		v.addError("process_ready_timeout", config.Process.ReadyTimeout, "range", "Ready timeout must be positive")
	}
}

func (v *ConfigValidator) validateAppConfig(config *Config) {
	if len(config.App.Codecs) == 0 {
		v.addError("app_codecs", config.App.Codecs, "required", "At least one codec must be configured")
	}
	if _, err := config.App.MediaFormats(); err != nil {
		v.addError("app_codecs", config.App.Codecs, "supported", err.Error())
	}
	if config.App.Greeting == "" {
		v.addWarning("app_greeting", config.App.Greeting, "No greeting configured", "Set APP_GREETING")
	}
	if config.App.MaxCalls < 0 {
		v.addError("max_concurrent_calls", config.App.MaxCalls, "range", "MAX_CONCURRENT_CALLS cannot be negative")
	}
}

func (v *ConfigValidator) addError(field string, value interface{}, rule, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	})
}

func (v *ConfigValidator) addWarning(field string, value interface{}, message, suggestion string) {
	v.warnings = append(v.warnings, ValidationWarning{
		Field:      field,
		Value:      value,
		Message:    message,
		Suggestion: suggestion,
	})
}

func (v *ConfigValidator) generateSummary() string {
	if len(v.errors) == 0 {
		return fmt.Sprintf("configuration valid with %d warnings", len(v.warnings))
	}
	messages := make([]string, 0, len(v.errors))
	for _, err := range v.errors {
		messages = append(messages, err.Message)
	}
	return fmt.Sprintf("%d errors: %s", len(v.errors), strings.Join(messages, "; "))
}
