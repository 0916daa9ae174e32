// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/massgen-labs/massgen/internal/version"
)

var (
	configPath  string
	sessionRoot string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:     "massgen \"<task prompt>\"",
	Short:   "MassGen - multi-agent answer coordination",
	Long:    `MassGen runs N LLM agents on one task in parallel. Agents see each other's answers, vote on the best one, and the winner presents the final answer.`,
	Version: version.Get(),
	Args:    cobra.ExactArgs(1),
	RunE:    runCoordination,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "massgen.yaml", "Path to the coordination config file")
	rootCmd.PersistentFlags().StringVar(&sessionRoot, "session-root", ".massgen", "Directory for session state, workspaces and logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	viper.SetEnvPrefix("MASSGEN")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
