package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// EnvFileVar names the environment variable that points to an optional
// dotenv file. When unset, ./.env is loaded if it exists.
const EnvFileVar = "LOANPILOT_ENV_FILE"

var loadEnvOnce sync.Once

func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New loads the dotenv file (once per process) and populates T from the
// environment using envconfig struct tags.
func New[T any](prefix string) (*T, error) {
	var loadErr error
	loadEnvOnce.Do(func() {
		if path := strings.TrimSpace(os.Getenv(EnvFileVar)); path != "" {
			loadErr = exportEnvironment(path)
			return
		}
		loadErr = exportEnvironmentIfExists(".env")
	})
	if loadErr != nil {
		return nil, fmt.Errorf("load env file: %w", loadErr)
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func exportEnvironmentIfExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvironment(path)
}

func exportEnvironment(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	// Environment always wins over file values.
	for key, val := range v.AllSettings() {
		name := strings.ToUpper(key)
		if os.Getenv(name) != "" {
			continue
		}
		if err := os.Setenv(name, fmt.Sprint(val)); err != nil {
			return err
		}
	}
	return nil
}
