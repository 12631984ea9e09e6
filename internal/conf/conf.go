// Package conf contains the struct that holds the configuration of the software.
package conf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/gridtalk/gridtalk/internal/logger"
)

// Conf is the server configuration.
type Conf struct {
	// General
	LogLevel        LogLevel        `yaml:"logLevel"`
	LogDestinations LogDestinations `yaml:"logDestinations"`
	LogFile         string          `yaml:"logFile"`

	// Network
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Content
	LevelsDir string `yaml:"levelsDir"`
	DataDir   string `yaml:"dataDir"`

	// Timings
	HandshakeTimeout    Duration `yaml:"handshakeTimeout"`
	PingInterval        Duration `yaml:"pingInterval"`
	PingTimeout         Duration `yaml:"pingTimeout"`
	RoutingInterval     Duration `yaml:"routingInterval"`
	RenegotiateInterval Duration `yaml:"renegotiateInterval"`
}

func (conf *Conf) setDefaults() {
	conf.LogLevel = LogLevel(logger.Info)
	conf.LogDestinations = LogDestinations{LogDestination(logger.DestinationStdout)}
	conf.LogFile = "gridtalk.log"
	conf.Host = "127.0.0.1"
	conf.Port = 7777
	conf.LevelsDir = "./levels"
	conf.DataDir = "./data"
	conf.HandshakeTimeout = Duration(10 * 1e9)
	conf.PingInterval = Duration(10 * 1e9)
	conf.PingTimeout = Duration(30 * 1e9)
	conf.RoutingInterval = Duration(20 * 1e6)
	conf.RenegotiateInterval = Duration(500 * 1e6)
}

// Load loads a Conf. A missing file is not an error: defaults apply.
func Load(fpath string) (*Conf, bool, error) {
	conf := &Conf{}
	conf.setDefaults()

	byts, err := os.ReadFile(fpath)
	if err != nil {
		if os.IsNotExist(err) {
			return conf, false, nil
		}
		return nil, false, err
	}

	err = yaml.UnmarshalStrict(byts, conf)
	if err != nil {
		return nil, true, fmt.Errorf("invalid config: %w", err)
	}

	err = conf.validate()
	if err != nil {
		return nil, true, err
	}

	return conf, true, nil
}

func (conf *Conf) validate() error {
	if conf.Port <= 0 || conf.Port > 65535 {
		return fmt.Errorf("invalid port: %d", conf.Port)
	}

	if len(conf.LogDestinations) == 0 {
		return fmt.Errorf("at least one log destination is required")
	}

	return nil
}
