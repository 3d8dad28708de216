// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config describes a dual-bus service deployment.
type Config struct {
	Service   string `yaml:"service"`
	Transport string `yaml:"transport"`
	Priority  int    `yaml:"priority"`

	Public  BusConfig `yaml:"public"`
	Private BusConfig `yaml:"private"`

	// Roles are role files pushed on both buses.
	Roles []string `yaml:"roles"`
	// Descriptions maps category paths to description files.
	Descriptions map[string]string `yaml:"descriptions"`

	ValidateReplies bool `yaml:"validate_replies"`

	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
}

// BusConfig configures one bus attachment. An empty Listen address runs the
// handle without a transport.
type BusConfig struct {
	Listen string `yaml:"listen"`
}

// GatewayConfig configures the introspection and JSON-RPC HTTP listener.
type GatewayConfig struct {
	Listen  string        `yaml:"listen"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig configures the service logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads a YAML config file. Environment variables in the file
// are expanded; BUSRPC_SERVICE and BUSRPC_LOG_LEVEL override the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BUSRPC_SERVICE"); v != "" {
		cfg.Service = v
	}
	if v := os.Getenv("BUSRPC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = DefaultGatewayTimeout
	}
}

// Validate checks the config for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Service == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if !HasTransport(c.Transport) {
		errs = append(errs, fmt.Errorf("unknown transport %q (available: %s)", c.Transport, strings.Join(AvailableTransports(), ", ")))
	}
	if c.Public.Listen != "" && c.Public.Listen == c.Private.Listen {
		errs = append(errs, fmt.Errorf("public and private bus share address %s", c.Public.Listen))
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	for path, file := range c.Descriptions {
		if file == "" {
			errs = append(errs, fmt.Errorf("description of %s has no file", path))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// RegisterDualServiceFromConfig creates the transports and both handles of
// the configured service, sets their priority and pushes the roles.
// Categories are registered by the caller; ApplyDescriptions follows.
func RegisterDualServiceFromConfig(cfg *Config, log zerolog.Logger, metrics *Metrics) (*DualService, error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	log = log.Level(level)

	var publicOpts, privateOpts []HandleOption
	var opened []Transport
	closeOpened := func() {
		for _, t := range opened {
			t.Close()
		}
	}
	for _, side := range []struct {
		addr string
		opts *[]HandleOption
	}{
		{cfg.Public.Listen, &publicOpts},
		{cfg.Private.Listen, &privateOpts},
	} {
		if side.addr == "" {
			continue
		}
		t, err := Listen(side.addr, WithServerTransport(cfg.Transport), WithServerLogger(log))
		if err != nil {
			closeOpened()
			return nil, fmt.Errorf("%w: listen %s: %v", ErrTransport, side.addr, err)
		}
		opened = append(opened, t)
		*side.opts = append(*side.opts, WithHandleTransport(t))
	}

	opts := []HandleOption{WithLogger(log), WithMetrics(metrics)}
	if cfg.ValidateReplies {
		opts = append(opts, WithReplyValidation())
	}
	d, err := RegisterDualService(cfg.Service, publicOpts, privateOpts, opts...)
	if err != nil {
		closeOpened()
		return nil, err
	}
	if err := d.SetPriority(cfg.Priority); err != nil {
		d.Close()
		return nil, err
	}
	for _, role := range cfg.Roles {
		if err := d.PushRole(role); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

// HTTPServer returns the introspection and gateway server for d, or nil
// when gateway.listen is empty. The caller runs ListenAndServe.
func (c *Config) HTTPServer(d *DualService, gatherer prometheus.Gatherer) *http.Server {
	if c.Gateway.Listen == "" {
		return nil
	}
	return &http.Server{
		Addr:              c.Gateway.Listen,
		Handler:           d.router(gatherer, c.Gateway.Timeout),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ApplyDescriptions loads every configured description file and applies it
// on both buses of d, in category order.
func (c *Config) ApplyDescriptions(d *DualService) error {
	paths := make([]string, 0, len(c.Descriptions))
	for path := range c.Descriptions {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		doc, err := LoadDescription(c.Descriptions[path])
		if err != nil {
			return err
		}
		if err := d.SetCategoryDescription(path, doc); err != nil {
			return fmt.Errorf("apply description %s: %w", c.Descriptions[path], err)
		}
	}
	return nil
}

// LoadDescription reads a category description file, YAML or JSON. Values
// are normalized to what a JSON decoder would produce.
func LoadDescription(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read description: %w", err)
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%w: description %s: %v", ErrInvalidConfig, path, err)
	}
	return doc, nil
}

func decodeDocument(data []byte) (map[string]any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("empty document")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("document must be an object: %v", err)
	}
	return doc, nil
}

// Role is a security role file: which executable or application the role
// belongs to, the service names it may register, and its permissions.
type Role struct {
	Role        RoleSpec     `yaml:"role" json:"role"`
	Permissions []Permission `yaml:"permissions" json:"permissions"`
}

// RoleSpec identifies the owner of a role.
type RoleSpec struct {
	ExeName      string   `yaml:"exeName" json:"exeName"`
	AppID        string   `yaml:"appId" json:"appId"`
	Type         string   `yaml:"type" json:"type"`
	AllowedNames []string `yaml:"allowedNames" json:"allowedNames"`
}

// Permission lists the services a service may call and be called by.
type Permission struct {
	Service  string   `yaml:"service" json:"service"`
	Inbound  []string `yaml:"inbound" json:"inbound"`
	Outbound []string `yaml:"outbound" json:"outbound"`
}

// LoadRole reads and checks a role file, YAML or JSON.
func LoadRole(path string) (*Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role: %w", err)
	}
	var role Role
	if err := yaml.Unmarshal(data, &role); err != nil {
		return nil, fmt.Errorf("%w: role %s: %v", ErrInvalidConfig, path, err)
	}
	if role.Role.ExeName == "" && role.Role.AppID == "" {
		return nil, fmt.Errorf("%w: role %s: exeName or appId is required", ErrInvalidConfig, path)
	}
	if len(role.Role.AllowedNames) == 0 {
		return nil, fmt.Errorf("%w: role %s: allowedNames is empty", ErrInvalidConfig, path)
	}
	return &role, nil
}

// Allows reports whether the role may register name. An allowed name
// ending in "*" matches every name with that prefix.
func (r *Role) Allows(name string) bool {
	for _, allowed := range r.Role.AllowedNames {
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if allowed == name {
			return true
		}
	}
	return false
}
