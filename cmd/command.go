// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/blobsource/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blobsource",
	Short: "blobsource - pluggable object storage sources",
	Long: `blobsource hosts configured storage sources (local directories,
S3-compatible buckets, in-memory scratch space) behind one contract, creating
each source lazily and evicting it once idle.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
