// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ConfigurationFileDirectory is searched before the default locations.
var ConfigurationFileDirectory string

// LoadConfiguration merges configFileName (without extension) into the
// global viper instance. It searches ConfigurationFileDirectory, the working
// directory, $HOME/.blobsource and /etc/blobsource, and reports whether a
// file was found. Environment variables override file values, with "." in
// keys mapped to "_".
func LoadConfiguration(configFileName string, required bool) bool {
	viper.SetConfigName(configFileName)
	if ConfigurationFileDirectory != "" {
		viper.AddConfigPath(ResolvePath(ConfigurationFileDirectory))
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.blobsource")
	viper.AddConfigPath("/etc/blobsource/")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if required {
				log.Fatal().Msgf("Config file not found: %s", configFileName)
			}
			log.Info().Msgf("Config file not found: %s", configFileName)
			return false
		}

		if required {
			log.Fatal().Err(err).Msgf("Failed to load required config file: %s", configFileName)
		}
		log.Warn().Err(err).Msgf("Failed to load config file: %s", configFileName)
		return false
	}
	log.Info().Msgf("Loaded config file: %s", viper.ConfigFileUsed())

	return true
}
