package main

import (
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
	"gopkg.in/urfave/cli.v1"

	"gitlab.com/arcanecrypto/dropbit/build"
	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/util"
)

// Config is everything the CLI can be configured with. It's read from an
// optional YAML file, and flags that are set override it.
type Config struct {
	Network string `yaml:"network"`
	Logging struct {
		Level     string `yaml:"level"`
		Directory string `yaml:"directory"`
	} `yaml:"logging"`
	Database  db.DatabaseConfig  `yaml:"database"`
	Server    network.HTTPConfig `yaml:"server"`
	Sender    string             `yaml:"sender"`
	Reconcile struct {
		Schedule    string        `yaml:"schedule"`
		GracePeriod time.Duration `yaml:"gracePeriod"`
		StaleAfter  time.Duration `yaml:"staleAfter"`
	} `yaml:"reconcile"`
	Metrics struct {
		// Address is where metrics are served, e.g. ":9100". Empty disables
		// the endpoint.
		Address string `yaml:"address"`
	} `yaml:"metrics"`
}

func defaultConfig() (Config, error) {
	var conf Config
	conf.Network = util.GetEnvOrElse("DROPBIT_NETWORK", "testnet")
	conf.Logging.Level = util.GetEnvOrElse("DROPBIT_LOG_LEVEL", "info")
	conf.Database.Driver = util.GetEnvOrElse("DATABASE_DRIVER", db.DriverSQLite)
	conf.Database.Path = util.GetEnvOrElse("DATABASE_PATH", "dropbit.db")
	conf.Database.Host = util.GetEnvOrElse("DATABASE_HOST", "localhost")
	conf.Database.User = util.GetEnvOrElse("DATABASE_USER", "")
	conf.Database.Password = util.GetEnvOrElse("DATABASE_PASSWORD", "")
	conf.Database.Name = util.GetEnvOrElse("DATABASE_NAME", "dropbit")
	port, err := util.GetEnvAsIntOrElse("DATABASE_PORT", 5432)
	if err != nil {
		return Config{}, err
	}
	conf.Database.Port = port
	conf.Server.BaseURL = util.GetEnvOrElse("DROPBIT_SERVER", "")
	return conf, nil
}

// parseConfig reads YAML on top of conf
func parseConfig(conf Config, contents []byte) (Config, error) {
	if err := yaml.UnmarshalStrict(contents, &conf); err != nil {
		return Config{}, errors.Wrap(err, "invalid config file")
	}
	return conf, nil
}

// loadConfig builds the configuration from defaults, the config file and
// global flags, in increasing order of precedence
func loadConfig(c *cli.Context) (Config, error) {
	conf, err := defaultConfig()
	if err != nil {
		return Config{}, err
	}
	if path := c.GlobalString("config"); path != "" {
		contents, err := ioutil.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "could not read config file %s", path)
		}
		if conf, err = parseConfig(conf, contents); err != nil {
			return Config{}, err
		}
	}

	setString := func(flag string, target *string) {
		if c.GlobalIsSet(flag) {
			*target = c.GlobalString(flag)
		}
	}
	setString("network", &conf.Network)
	setString("logging.level", &conf.Logging.Level)
	setString("logging.directory", &conf.Logging.Directory)
	setString("db.driver", &conf.Database.Driver)
	setString("db.path", &conf.Database.Path)
	setString("db.host", &conf.Database.Host)
	setString("db.user", &conf.Database.User)
	setString("db.password", &conf.Database.Password)
	setString("db.name", &conf.Database.Name)
	if c.GlobalIsSet("db.port") {
		conf.Database.Port = c.GlobalInt("db.port")
	}
	return conf, nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %s. Valid: mainnet, testnet, regtest", name)
	}
}

// applyLogLevels sets the level of every subsystem, then the per subsystem
// overrides that follow it, e.g. "info,RECN=debug,STLM=trace". It returns the
// level for all subsystems.
func applyLogLevels(levels string) (logrus.Level, error) {
	parts := strings.Split(levels, ",")
	level, err := build.ToLogLevel(strings.TrimSpace(parts[0]))
	if err != nil {
		return level, err
	}
	build.SetLogLevels(level)

	for _, part := range parts[1:] {
		subsystem, name, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return level, errors.Errorf("%q is not of the form SUBSYSTEM=level", part)
		}
		subLevel, err := build.ToLogLevel(name)
		if err != nil {
			return level, err
		}
		if err := build.SetLogLevel(strings.ToUpper(subsystem), subLevel); err != nil {
			return level, err
		}
	}
	return level, nil
}
