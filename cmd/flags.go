// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmd holds the blobsource command line: the serve host, config
// checking and version output.
package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FlagLoader reads settings with CLI flag precedence: a flag set on the
// command line wins, otherwise viper's env > config file > default applies.
type FlagLoader struct {
	cmd *cobra.Command
}

// NewFlagLoader creates a FlagLoader for cmd.
func NewFlagLoader(cmd *cobra.Command) *FlagLoader {
	return &FlagLoader{cmd: cmd}
}

// String returns the flag value if set, otherwise the viper value.
func (f *FlagLoader) String(flagName string) string {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetString(flagName)
		return val
	}
	return viper.GetString(flagName)
}

// Int returns the flag value if set, otherwise the viper value.
func (f *FlagLoader) Int(flagName string) int {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetInt(flagName)
		return val
	}
	return viper.GetInt(flagName)
}

// Bool returns the flag value if set, otherwise the viper value.
func (f *FlagLoader) Bool(flagName string) bool {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetBool(flagName)
		return val
	}
	return viper.GetBool(flagName)
}

// Duration returns the flag value if set, otherwise the viper value.
func (f *FlagLoader) Duration(flagName string) time.Duration {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetDuration(flagName)
		return val
	}
	return viper.GetDuration(flagName)
}
