// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package config loads the settings for a node.
//
// Settings are read from a YAML file, or a JSON file if the name ends in
// ".json". Fields missing from the file keep their default values. After the
// file is read, environment variables named with EnvPrefix override
// individual fields:
//
//	PINGNODE_NODE        node name
//	PINGNODE_PROCESS     process identifier, process:package:publisher
//	PINGNODE_LISTEN      peer protocol listen address
//	PINGNODE_HTTP        HTTP listen address
//	PINGNODE_PEERS       comma-separated peer addresses
//	PINGNODE_STATE_FILE  counter state file
//	PINGNODE_LOG_LEVEL   trace, debug, info, warn, or error
//	PINGNODE_LOG_FORMAT  json or console
//	PINGNODE_TIMEOUT     reply timeout, e.g. "5s" or "5"
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/pingnode/address"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override settings.
const EnvPrefix = "PINGNODE_"

// DefaultProcess is the process identifier used when none is configured.
const DefaultProcess = "counter:pingnode:example.os"

// Config is the configuration of a node.
type Config struct {
	// Node is the name of this node. It is required.
	Node string `yaml:"node" json:"node"`

	// Process is the identifier of the counter process, in the form
	// process:package:publisher.
	Process string `yaml:"process" json:"process"`

	// Listen is the address where the node accepts peer connections, in
	// the form accepted by pingnode.SplitAddress. If empty, the node accepts
	// peers only over WebSocket on the HTTP listener.
	Listen string `yaml:"listen" json:"listen"`

	// HTTP is the address of the HTTP API listener.
	HTTP string `yaml:"http" json:"http"`

	// Peers are the addresses of nodes to connect to at startup. An address
	// with a ws:// or wss:// scheme is dialed as a WebSocket.
	Peers []string `yaml:"peers" json:"peers"`

	// StateFile, if set, is where counter state is persisted.
	StateFile string `yaml:"state_file" json:"state_file"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// Timeout bounds the wait for a reply from another process.
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// Default returns a configuration with default values for all fields except
// Node.
func Default() *Config {
	return &Config{
		Process:   DefaultProcess,
		HTTP:      "localhost:8080",
		LogLevel:  "info",
		LogFormat: "json",
		Timeout:   Duration(5 * time.Second),
	}
}

// Load reads the configuration as Read does, and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Read reads the configuration file at path over the defaults and applies
// environment overrides, without validating the result. If path == "", only
// the defaults and environment are used.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.decode(data, filepath.Ext(path)); err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte, ext string) error {
	switch strings.ToLower(ext) {
	case ".json":
		return json.Unmarshal(data, c)
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported format %q", ext)
	}
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"NODE":       &c.Node,
		"PROCESS":    &c.Process,
		"LISTEN":     &c.Listen,
		"HTTP":       &c.HTTP,
		"STATE_FILE": &c.StateFile,
		"LOG_LEVEL":  &c.LogLevel,
		"LOG_FORMAT": &c.LogFormat,
	}
	for name, dst := range str {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	if v := getenv(EnvPrefix + "PEERS"); v != "" {
		c.Peers = nil
		for p := range strings.SplitSeq(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Peers = append(c.Peers, p)
			}
		}
	}
	if v := getenv(EnvPrefix + "TIMEOUT"); v != "" {
		if err := c.Timeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sTIMEOUT: %w", EnvPrefix, err)
		}
	}
	return nil
}

// Validate reports an error if c is not a usable configuration.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Self(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("negative timeout %v", c.Timeout))
	}
	for _, p := range c.Peers {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, errors.New("empty peer address"))
			break
		}
	}
	return errors.Join(errs...)
}

// Self returns the address of the counter process on this node.
func (c *Config) Self() (address.Address, error) {
	if c.Node == "" {
		return address.Address{}, errors.New("node name is required")
	}
	return address.Parse(c.Node + "@" + c.Process)
}

// A Duration is a time.Duration that decodes from text. The text is either a
// duration string like "1m30s" or a whole number of seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts a JSON string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	return d.UnmarshalText(data)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}
