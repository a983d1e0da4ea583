package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/osutil"
	"gopkg.in/yaml.v3"
)

// argConfigPath is the prefix of the configuration file argument.  The config
// path has to be picked out of the arguments before the flag set runs so
// that file values do not override explicit command-line ones.
const argConfigPath = "--config-path="

// parseConfig returns the combined configuration.  When conf is nil, the
// program should exit with exitCode; err carries the reason when the exit is
// a failure.
func parseConfig() (conf *configuration, exitCode int, err error) {
	conf = newConfiguration()

	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, argConfigPath) {
			confPath := strings.TrimPrefix(arg, argConfigPath)

			err = parseConfigFile(conf, confPath)
			if err != nil {
				return nil, osutil.ExitCodeFailure, fmt.Errorf(
					"parsing config file %s: %w",
					confPath,
					err,
				)
			}
		}
	}

	parseErr := parseCmdLineOptions(conf)
	exitCode, needExit := processCmdLineOptions(conf, parseErr)
	if needExit {
		return nil, exitCode, parseErr
	}

	err = conf.validate()
	if err != nil {
		return nil, osutil.ExitCodeArgumentError, err
	}

	return conf, osutil.ExitCodeSuccess, nil
}

// parseConfigFile fills conf with the settings from the file read by the
// given path.
func parseConfigFile(conf *configuration, confPath string) (err error) {
	// #nosec G304 -- Trust the file path that is given in the args.
	b, err := os.ReadFile(confPath)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	err = yaml.Unmarshal(b, conf)
	if err != nil {
		return fmt.Errorf("unmarshalling file: %w", err)
	}

	return nil
}
