package main

import (
	"time"

	"github.com/docopt/docopt-go"

	"github.com/spf13/viper"
)

// sailsctl defaults, loaded in order of increasing priority:
//  1. hardcoded defaults
//  2. sailsctl.yml (working directory, then ~/.sailsctl/)
//  3. environment variables with the SAILSCTL_ prefix
//  4. command line flags
type Config struct {
	ApiUrl       string        `mapstructure:"api_url"`
	ByJwt        string        `mapstructure:"jwt"`
	WatchTimeout time.Duration `mapstructure:"watch_timeout"`
}

func loadConfig(opts docopt.Opts) *Config {
	v := viper.New()
	v.SetConfigName("sailsctl")
	v.SetConfigType("yml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.sailsctl")

	v.SetDefault("api_url", "http://localhost:1337")

	v.SetEnvPrefix("SAILSCTL")
	v.AutomaticEnv()

	// a missing config file is fine, the defaults and env cover it
	v.ReadInConfig()

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		Err.Printf("Invalid config (%s).", err)
	}

	if apiUrl, _ := opts.String("--api_url"); apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if byJwt, _ := opts.String("--jwt"); byJwt != "" {
		config.ByJwt = byJwt
	}
	return config
}
