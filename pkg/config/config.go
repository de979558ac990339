// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds client-wide configuration: the file-backed
// ClientConfig (loadable from YAML or TOML) and the URI-query-string
// parsing rules (consumer./consumer.nms./session. prefixes).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// ClientConfig is the connection-wide client configuration, loadable
// from YAML or TOML.
type ClientConfig struct {
	BrokerURI string `yaml:"brokerUri" toml:"broker_uri"`
	ClientId  string `yaml:"clientId" toml:"client_id"`

	InitialReconnectDelay time.Duration `yaml:"initialReconnectDelay" toml:"initial_reconnect_delay"`
	MaxReconnectDelay     time.Duration `yaml:"maxReconnectDelay" toml:"max_reconnect_delay"`

	DefaultPrefetchQueue int `yaml:"defaultPrefetchQueue" toml:"default_prefetch_queue"`
	DefaultPrefetchTopic int `yaml:"defaultPrefetchTopic" toml:"default_prefetch_topic"`

	// CloseStopTimeout is the executor-stop bound for an orderly close
	// (zero means "wait indefinitely") and DisposeStopTimeout the bound
	// for a forced shutdown. No code in this module reads either field
	// from ClientConfig; a Session takes its bound from its own
	// Options.CloseStopTimeout.
	CloseStopTimeout   time.Duration `yaml:"closeStopTimeout" toml:"close_stop_timeout"`
	DisposeStopTimeout time.Duration `yaml:"disposeStopTimeout" toml:"dispose_stop_timeout"`
}

// SetDefaults returns a copy of c with zero-valued fields backfilled.
func (c ClientConfig) SetDefaults() ClientConfig {
	if c.InitialReconnectDelay <= 0 {
		c.InitialReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 5 * time.Minute
	}
	if c.DefaultPrefetchQueue <= 0 {
		c.DefaultPrefetchQueue = 1000
	}
	if c.DefaultPrefetchTopic <= 0 {
		c.DefaultPrefetchTopic = 100
	}
	if c.DisposeStopTimeout <= 0 {
		c.DisposeStopTimeout = 30 * time.Second
	}
	// CloseStopTimeout left at zero means infinite; no backfill.
	return c
}

// LoadYAML reads a ClientConfig from a YAML file.
func LoadYAML(path string) (ClientConfig, error) {
	var c ClientConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c.SetDefaults(), nil
}

// LoadTOML reads a ClientConfig from a TOML file.
func LoadTOML(path string) (ClientConfig, error) {
	var c ClientConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, err
	}
	return c.SetDefaults(), nil
}
