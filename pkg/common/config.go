/**
 * Copyright 2020 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	// DefaultMaxPreparedTransactions is the size of the global transaction table when the config doesn't set one.
	DefaultMaxPreparedTransactions = 250

	// DefaultPhase2RetryCount is how many times commit/abort prepared is retried before giving up.
	DefaultPhase2RetryCount = 10

	// DefaultPhase2RetryIntervalMs is the sleep between two phase two retries.
	DefaultPhase2RetryIntervalMs = 100
)

// Peer indicates a single segment instance info
type Peer struct {
	ID      int32  `yaml:"id" toml:"id"`
	Address string `yaml:"address" toml:"address"`
	Port    string `yaml:"port" toml:"port"`
}

// Target returns the dial target of the peer.
func (p Peer) Target() string {
	return p.Address + ":" + p.Port
}

// DTMConfig defines the configuration settings for the coordinator.
type DTMConfig struct {
	// DbPath is the directory of the redo log.
	DbPath string `yaml:"dbPath" toml:"dbPath"`

	// Segments contains the list of all the segment instances.
	Segments []Peer `yaml:"segments" toml:"segments"`

	// MaxPreparedTransactions bounds the number of concurrently tracked distributed transactions.
	MaxPreparedTransactions int `yaml:"maxPreparedTransactions" toml:"maxPreparedTransactions"`

	Phase2RetryCount      int `yaml:"phase2RetryCount" toml:"phase2RetryCount"`
	Phase2RetryIntervalMs int `yaml:"phase2RetryIntervalMs" toml:"phase2RetryIntervalMs"`

	// ReadOnly defers crash recovery; distributed transactions are refused until it is turned off.
	ReadOnly bool `yaml:"readOnly" toml:"readOnly"`

	// UtilityMode tolerates foreign prepared transactions during recovery.
	UtilityMode bool `yaml:"utilityMode" toml:"utilityMode"`

	MetricsAddress string `yaml:"metricsAddress" toml:"metricsAddress"`
	LogLevel       string `yaml:"logLevel" toml:"logLevel"`
}

// NewDefaultDTMConfig returns a new default coordinator configuration.
func NewDefaultDTMConfig() *DTMConfig {
	return &DTMConfig{
		DbPath:                  "/var/lib/icecanedtm",
		MaxPreparedTransactions: DefaultMaxPreparedTransactions,
		Phase2RetryCount:        DefaultPhase2RetryCount,
		Phase2RetryIntervalMs:   DefaultPhase2RetryIntervalMs,
		LogLevel:                "info",
	}
}

// Phase2RetryInterval returns the sleep between two phase two retries.
func (conf *DTMConfig) Phase2RetryInterval() time.Duration {
	return time.Duration(conf.Phase2RetryIntervalMs) * time.Millisecond
}

// Validate validates a DTMConfig and returns an error if it's invalid.
func (conf *DTMConfig) Validate() error {
	if conf.DbPath == "" {
		return fmt.Errorf("invalid db path provided in config")
	}
	if conf.MaxPreparedTransactions <= 0 {
		return fmt.Errorf("invalid maxPreparedTransactions %d provided in config", conf.MaxPreparedTransactions)
	}
	if conf.Phase2RetryCount < 0 {
		return fmt.Errorf("invalid phase2RetryCount %d provided in config", conf.Phase2RetryCount)
	}
	if conf.Phase2RetryIntervalMs < 0 {
		return fmt.Errorf("invalid phase2RetryIntervalMs %d provided in config", conf.Phase2RetryIntervalMs)
	}
	seen := make(map[int32]bool)
	for _, s := range conf.Segments {
		if seen[s.ID] {
			return fmt.Errorf("duplicate segment id %d provided in config", s.ID)
		}
		seen[s.ID] = true
		if s.Address == "" || s.Port == "" {
			return fmt.Errorf("invalid address of segment %d provided in config", s.ID)
		}
	}
	if _, err := log.ParseLevel(conf.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q provided in config", conf.LogLevel)
	}
	return nil
}

// LoadFromFile loads the config from the file. It assumes that config already has the defaults.
// In the case of an error, it leaves the config untouched.
func (conf *DTMConfig) LoadFromFile(path string) error {
	log.Info(fmt.Sprintf("icecanedtm::config::LoadFromFile; loading config from file %s", path))
	fconf := DTMConfig{}
	if err := decodeFile(path, &fconf); err != nil {
		log.Error(fmt.Sprintf("icecanedtm::config::LoadFromFile; error reading config from file %s, error %s", path, err))
		return err
	}

	log.WithFields(log.Fields{"config": fconf}).Debug("icecanedtm::config::LoadFromFile; read contents from the file")

	// populate fields
	if fconf.DbPath != "" {
		conf.DbPath = fconf.DbPath
	}
	if len(fconf.Segments) != 0 {
		conf.Segments = fconf.Segments
	}
	if fconf.MaxPreparedTransactions != 0 {
		conf.MaxPreparedTransactions = fconf.MaxPreparedTransactions
	}
	if fconf.Phase2RetryCount != 0 {
		conf.Phase2RetryCount = fconf.Phase2RetryCount
	}
	if fconf.Phase2RetryIntervalMs != 0 {
		conf.Phase2RetryIntervalMs = fconf.Phase2RetryIntervalMs
	}
	if fconf.ReadOnly {
		conf.ReadOnly = true
	}
	if fconf.UtilityMode {
		conf.UtilityMode = true
	}
	if fconf.MetricsAddress != "" {
		conf.MetricsAddress = fconf.MetricsAddress
	}
	if fconf.LogLevel != "" {
		conf.LogLevel = fconf.LogLevel
	}
	return nil
}

// SegmentConfig defines the configuration settings for a segment.
type SegmentConfig struct {
	ID      int32  `yaml:"id" toml:"id"`
	DbPath  string `yaml:"dbPath" toml:"dbPath"`
	Address string `yaml:"address" toml:"address"`
	Port    string `yaml:"port" toml:"port"`

	MetricsAddress string `yaml:"metricsAddress" toml:"metricsAddress"`
	LogLevel       string `yaml:"logLevel" toml:"logLevel"`
}

// NewDefaultSegmentConfig returns a new default segment configuration.
func NewDefaultSegmentConfig() *SegmentConfig {
	return &SegmentConfig{
		DbPath:   "/var/lib/icecanedtm-segment",
		Address:  "127.0.0.1",
		LogLevel: "info",
	}
}

// Validate validates a SegmentConfig and returns an error if it's invalid.
func (conf *SegmentConfig) Validate() error {
	if conf.DbPath == "" {
		return fmt.Errorf("invalid db path provided in config")
	}
	if conf.Address == "" {
		return fmt.Errorf("invalid address provided in config")
	}
	if conf.Port == "" {
		return fmt.Errorf("invalid port provided in config")
	}
	if _, err := log.ParseLevel(conf.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q provided in config", conf.LogLevel)
	}
	return nil
}

// LoadFromFile loads the segment config from the file, overriding the fields it sets.
func (conf *SegmentConfig) LoadFromFile(path string) error {
	log.Info(fmt.Sprintf("icecanedtm::config::LoadFromFile; loading segment config from file %s", path))
	fconf := SegmentConfig{}
	if err := decodeFile(path, &fconf); err != nil {
		log.Error(fmt.Sprintf("icecanedtm::config::LoadFromFile; error reading segment config from file %s, error %s", path, err))
		return err
	}

	if fconf.ID != 0 {
		conf.ID = fconf.ID
	}
	if fconf.DbPath != "" {
		conf.DbPath = fconf.DbPath
	}
	if fconf.Address != "" {
		conf.Address = fconf.Address
	}
	if fconf.Port != "" {
		conf.Port = fconf.Port
	}
	if fconf.MetricsAddress != "" {
		conf.MetricsAddress = fconf.MetricsAddress
	}
	if fconf.LogLevel != "" {
		conf.LogLevel = fconf.LogLevel
	}
	return nil
}

// decodeFile reads toml when the file ends in .toml and yaml otherwise.
func decodeFile(path string, v interface{}) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.DecodeFile(path, v)
		return errors.Wrapf(err, "decoding toml config %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(yaml.Unmarshal(data, v), "decoding yaml config %s", path)
}
