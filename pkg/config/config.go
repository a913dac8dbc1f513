// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Self        SelfConfig        `yaml:"self"`
	Database    dbutil.Config     `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Window      WindowConfig      `yaml:"window"`
	Send        SendConfig        `yaml:"send"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Expiration  ExpirationConfig  `yaml:"expiration"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Accounts    AccountsConfig    `yaml:"accounts"`
}

// SelfConfig identifies the local account. Outgoing messages are authored by it.
type SelfConfig struct {
	ID     string `yaml:"id"`
	Device uint32 `yaml:"device"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WindowConfig struct {
	PageSize      int `yaml:"page_size"`
	TrimThreshold int `yaml:"trim_threshold"`
	TrimTarget    int `yaml:"trim_target"`
	// RejectConcurrentPagination fails overlapping pagination requests instead of queuing them.
	RejectConcurrentPagination bool `yaml:"reject_concurrent_pagination"`
}

type SendConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	ResendsPerSecond float64       `yaml:"resends_per_second"`
	ResendBurst      int           `yaml:"resend_burst"`
}

type AttachmentsConfig struct {
	DownloadDir     string        `yaml:"download_dir"`
	RelayURL        string        `yaml:"relay_url"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	FlushDelay      time.Duration `yaml:"flush_delay"`
	MaxForwardDepth int           `yaml:"max_forward_depth"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type ExpirationConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LedgerConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type AccountsConfig struct {
	MaxEntries          int64  `yaml:"max_entries"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	displaynameTemplate *template.Template
}

type umAccountsConfig AccountsConfig

func (c *AccountsConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umAccountsConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *AccountsConfig) PostProcess() error {
	tpl := c.DisplaynameTemplate
	if tpl == "" {
		tpl = DefaultDisplaynameTemplate
	}
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(tpl)
	return err
}

const DefaultDisplaynameTemplate = `{{if .Nickname}}{{.Nickname}}{{else}}{{.FirstName}} {{.LastName}}{{end}}`

type DisplaynameParams struct {
	FirstName string
	LastName  string
	Nickname  string
	Phone     string
	Email     string
	ID        string
}

func (c *AccountsConfig) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		if err := c.PostProcess(); err != nil {
			return params.ID
		}
	}
	var buf strings.Builder
	err := c.displaynameTemplate.Execute(&buf, &params)
	if err != nil {
		return params.ID
	}
	name := strings.TrimSpace(buf.String())
	if name == "" {
		return params.ID
	}
	return name
}

func (c *AccountsConfig) GetMaxEntries() int64 {
	if c.MaxEntries <= 0 {
		return 10000
	}
	return c.MaxEntries
}

func (c *SendConfig) GetMaxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 5
	}
	return c.MaxAttempts
}

func (c *SendConfig) GetInitialBackoff() time.Duration {
	if c.InitialBackoff <= 0 {
		return time.Second
	}
	return c.InitialBackoff
}

func (c *SendConfig) GetMaxBackoff() time.Duration {
	if c.MaxBackoff <= 0 {
		return time.Minute
	}
	return c.MaxBackoff
}

func (c *SendConfig) GetResendsPerSecond() float64 {
	if c.ResendsPerSecond <= 0 {
		return 2
	}
	return c.ResendsPerSecond
}

func (c *SendConfig) GetResendBurst() int {
	if c.ResendBurst <= 0 {
		return 5
	}
	return c.ResendBurst
}

func (c *AttachmentsConfig) GetMaxConcurrent() int {
	if c.MaxConcurrent <= 0 {
		return 4
	}
	return c.MaxConcurrent
}

func (c *AttachmentsConfig) GetFlushDelay() time.Duration {
	if c.FlushDelay < 0 {
		return 0
	} else if c.FlushDelay == 0 {
		return 500 * time.Millisecond
	}
	return c.FlushDelay
}

// GetMaxForwardDepth returns how deep nested forwards are searched for attachments,
// defaulting to 4 levels.
func (c *AttachmentsConfig) GetMaxForwardDepth() int {
	if c.MaxForwardDepth <= 0 {
		return 4
	}
	return c.MaxForwardDepth
}

func (c *AttachmentsConfig) GetRequestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return 60 * time.Second
	}
	return c.RequestTimeout
}

func (c *ExpirationConfig) GetSweepInterval() time.Duration {
	if c.SweepInterval <= 0 {
		return 30 * time.Second
	}
	return c.SweepInterval
}

func (c *LedgerConfig) GetReconcileInterval() time.Duration {
	if c.ReconcileInterval <= 0 {
		return 30 * time.Minute
	}
	return c.ReconcileInterval
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "self", "id")
	helper.Copy(up.Int, "self", "device")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "conn_max_idle_time")
	helper.Copy(up.Str|up.Null, "database", "conn_max_lifetime")

	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Str, "logging", "format")

	helper.Copy(up.Int, "window", "page_size")
	helper.Copy(up.Int, "window", "trim_threshold")
	helper.Copy(up.Int, "window", "trim_target")
	helper.Copy(up.Bool, "window", "reject_concurrent_pagination")

	helper.Copy(up.Int, "send", "max_attempts")
	helper.Copy(up.Str, "send", "initial_backoff")
	helper.Copy(up.Str, "send", "max_backoff")
	helper.Copy(up.Int|up.Float, "send", "resends_per_second")
	helper.Copy(up.Int, "send", "resend_burst")

	helper.Copy(up.Str, "attachments", "download_dir")
	helper.Copy(up.Str|up.Null, "attachments", "relay_url")
	helper.Copy(up.Int, "attachments", "max_concurrent")
	helper.Copy(up.Str, "attachments", "flush_delay")
	helper.Copy(up.Int, "attachments", "max_forward_depth")
	helper.Copy(up.Str, "attachments", "request_timeout")

	helper.Copy(up.Str, "expiration", "sweep_interval")
	helper.Copy(up.Str, "ledger", "reconcile_interval")
	helper.Copy(up.Int, "accounts", "max_entries")
	helper.Copy(up.Str, "accounts", "displayname_template")
}

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks: [][]string{
		{"database"},
		{"logging"},
		{"window"},
		{"send"},
		{"attachments"},
		{"expiration"},
		{"ledger"},
		{"accounts"},
	},
}

func init() {
	Upgrader.Base = ExampleConfig
}

// Load reads a config file, adding any keys missing from it with their default values.
// The upgraded file is written back when save is true.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Accounts.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid displayname template: %w", err)
	}
	return &cfg, nil
}

// Default returns the example config parsed.
func Default() *Config {
	cfg, err := Parse([]byte(ExampleConfig))
	if err != nil {
		panic(err)
	}
	return cfg
}

// WriteExample writes the example config to path unless a file already exists there.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(ExampleConfig), 0o600)
}
