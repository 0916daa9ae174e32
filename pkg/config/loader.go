// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Load reads a YAML configuration file, applies defaults, and validates.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.voting_sensitivity", "lenient")
	v.SetDefault("orchestrator.answer_novelty_requirement", "lenient")
	v.SetDefault("orchestrator.coordination.max_orchestration_restarts", 0)
	v.SetDefault("orchestrator.coordination.enable_planning_mode", false)
	v.SetDefault("orchestrator.timeout.orchestrator_timeout_seconds", 1800)
	v.SetDefault("orchestrator.timeout.orchestrator_max_tokens", 200000)
	v.SetDefault("orchestrator.timeout.agent_timeout_seconds", 300)
	v.SetDefault("orchestrator.timeout.agent_max_tokens", 50000)
	v.SetDefault("orchestrator.timeout.enable_timeout_fallback", true)
	v.SetDefault("orchestrator.skip_coordination_rounds", false)
}
