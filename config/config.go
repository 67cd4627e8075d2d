/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config is the YAML-backed configuration for clockoffsetd.
package config

import (
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config specifies the facade's run options. MaxRepetitionInterval is
// stored in whole seconds, not as a time.Duration: yaml.v2 (unlike
// yaml.v3) does not marshal/unmarshal time.Duration through its string
// form, so the YAML value is always the plain integer second count
// spec.md's max_repetition_interval names.
type Config struct {
	LocalPort             int      `yaml:"local_port"`
	OffsetCounts          int      `yaml:"offset_counts"`
	MaxRepetitionInterval int      `yaml:"max_repetition_interval"`
	StatsPort             int      `yaml:"stats_port"`
	MetricsPort           int      `yaml:"metrics_port"`
	LogLevel              string   `yaml:"log_level"`
	Peers                 []string `yaml:"peers"`
}

// MaxRepetitionIntervalDuration converts MaxRepetitionInterval to a
// time.Duration for the timer registry.
func (c *Config) MaxRepetitionIntervalDuration() time.Duration {
	return time.Duration(c.MaxRepetitionInterval) * time.Second
}

// Default returns the configuration defaults used when no file is
// supplied: offset_counts=20, max_repetition_interval=5s, as in spec.
func Default() *Config {
	return &Config{
		LocalPort:             3000,
		OffsetCounts:          20,
		MaxRepetitionInterval: 5,
		StatsPort:             8888,
		MetricsPort:           9107,
		LogLevel:              "warning",
	}
}

// ReadConfig reads and unmarshals a YAML config file, starting from
// Default so unset fields keep their defaults.
func ReadConfig(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
