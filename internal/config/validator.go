package config

import (
	"fmt"
	"regexp"

	"facet/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// identRe matches unquoted SQL identifiers. Relation and attribute names
// from the config are interpolated into DDL/DML, so anything else is
// rejected at load time.
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func IsValidIdentifier(name string) bool {
	return len(name) <= 63 && identRe.MatchString(name)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateChangefeed(cfg.Changefeed, cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateDimensions(cfg.Dimensions); err != nil {
		errors = append(errors, err)
	}

	if err := validateAgent(cfg.Agent); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}
	return nil
}

func validateChangefeed(cfg ChangefeedConfig, broker BrokerConfig) error {
	switch cfg.Type {
	case constants.ChangefeedListen:
	case constants.ChangefeedPoll:
		if cfg.PollInterval <= 0 {
			return &ValidationError{
				Field:   "changefeed.poll_interval",
				Message: "poll interval must be positive",
			}
		}
	case constants.ChangefeedKafka:
		if broker.Type != "kafka" || len(broker.Kafka.Brokers) == 0 {
			return &ValidationError{
				Field:   "changefeed.type",
				Message: "kafka changefeed requires a configured kafka broker",
			}
		}
		if broker.Kafka.ChangeTopic == "" {
			return &ValidationError{
				Field:   "broker.kafka.change_topic",
				Message: "kafka changefeed requires a change topic",
			}
		}
	default:
		return &ValidationError{
			Field:   "changefeed.type",
			Message: fmt.Sprintf("unknown changefeed type %q", cfg.Type),
		}
	}
	return nil
}

func validateDimensions(dims []DimensionSpec) error {
	seen := make(map[string]bool, len(dims))
	for i, d := range dims {
		if d.Name == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("dimensions[%d].name", i),
				Message: "dimension name is required",
			}
		}
		if seen[d.Name] {
			return &ValidationError{
				Field:   fmt.Sprintf("dimensions[%d].name", i),
				Message: fmt.Sprintf("duplicate dimension %q", d.Name),
			}
		}
		seen[d.Name] = true

		for field, ident := range map[string]string{
			"source_table":  d.SourceTable,
			"source_column": d.SourceColumn,
			"master_table":  d.MasterTable,
		} {
			if !IsValidIdentifier(ident) {
				return &ValidationError{
					Field:   fmt.Sprintf("dimensions[%d].%s", i, field),
					Message: fmt.Sprintf("%q is not a valid SQL identifier", ident),
				}
			}
		}

		if d.RefreshIntervalMS < 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("dimensions[%d].refresh_interval_ms", i),
				Message: "refresh interval must not be negative",
			}
		}
	}
	return nil
}

func validateAgent(cfg AgentConfig) error {
	if cfg.PruneInterval <= 0 {
		return &ValidationError{
			Field:   "agent.prune_interval",
			Message: "prune interval must be positive",
		}
	}
	if cfg.PruneDebounce < 0 {
		return &ValidationError{
			Field:   "agent.prune_debounce",
			Message: "prune debounce must not be negative",
		}
	}
	if cfg.OperationTimeout <= 0 {
		return &ValidationError{
			Field:   "agent.operation_timeout",
			Message: "operation timeout must be positive",
		}
	}
	return nil
}
