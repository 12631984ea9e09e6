package conf

import (
	"fmt"

	"github.com/gridtalk/gridtalk/internal/logger"
)

// LogLevel is the logLevel parameter.
type LogLevel logger.Level

// MarshalYAML implements yaml.Marshaler.
func (d LogLevel) MarshalYAML() (interface{}, error) {
	switch d {
	case LogLevel(logger.Error):
		return "error", nil

	case LogLevel(logger.Warn):
		return "warn", nil

	case LogLevel(logger.Info):
		return "info", nil

	case LogLevel(logger.Debug):
		return "debug", nil

	default:
		return nil, fmt.Errorf("invalid log level: %v", d)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *LogLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var in string
	if err := unmarshal(&in); err != nil {
		return err
	}

	switch in {
	case "error":
		*d = LogLevel(logger.Error)

	case "warn":
		*d = LogLevel(logger.Warn)

	case "info":
		*d = LogLevel(logger.Info)

	case "debug":
		*d = LogLevel(logger.Debug)

	default:
		return fmt.Errorf("invalid log level: '%s'", in)
	}

	return nil
}
