// Package config loads and validates the remtask configuration: logging,
// remote-login settings and the task plan.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/remtask/pkg/config/configstore"
	"github.com/andrej220/remtask/pkg/config/filestore"
	"github.com/andrej220/remtask/pkg/task"
)

// Node kinds.
const (
	KindLocal      = "local"
	KindRemote     = "remote"
	KindParallel   = "parallel"
	KindSequential = "sequential"
	KindSendFile   = "send_file"
	KindGetFile    = "get_file"
)

var ErrNoPlan = errors.New("config has no plan")

type Config struct {
	Log  LogConfig `yaml:"log" json:"log"`
	SSH  SSHConfig `yaml:"ssh" json:"ssh"`
	Plan *Node     `yaml:"plan" json:"plan" validate:"required"`
}

type LogConfig struct {
	Debug  bool   `yaml:"debug" json:"debug"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=json console"`
}

// SSHConfig describes how remote tasks log in to their hosts.
type SSHConfig struct {
	Binary       string   `yaml:"binary" json:"binary"`
	Options      []string `yaml:"options,omitempty" json:"options,omitempty"`
	MarkerPrefix string   `yaml:"marker_prefix" json:"marker_prefix" validate:"omitempty,markerprefix"`
	// NativeCleanup kills remote children through an in-process SSH
	// connection instead of spawning Binary a second time.
	NativeCleanup bool      `yaml:"native_cleanup" json:"native_cleanup"`
	Native        NativeSSH `yaml:"native" json:"native"`
}

type NativeSSH struct {
	User         string        `yaml:"user" json:"user"`
	Port         int           `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	IdentityFile string        `yaml:"identity_file,omitempty" json:"identity_file,omitempty"`
	Password     string        `yaml:"password,omitempty" json:"-"`
	KnownHosts   string        `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// Node is one entry of the plan tree. Which fields apply depends on Kind.
type Node struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty" validate:"omitempty,nodename"`
	Kind    string   `yaml:"kind" json:"kind" validate:"required,nodekind"`
	Host    string   `yaml:"host,omitempty" json:"host,omitempty"`
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`

	task.ProcessOptions `yaml:",inline"`

	KeepRemoteChildren bool `yaml:"keep_remote_children,omitempty" json:"keep_remote_children,omitempty"`

	// file transfer
	Source      string `yaml:"source,omitempty" json:"source,omitempty"`
	Destination string `yaml:"destination,omitempty" json:"destination,omitempty"`

	// groups
	Aggregate bool    `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
	Tasks     []*Node `yaml:"tasks,omitempty" json:"tasks,omitempty" validate:"dive,required"`

	PostProcess []string `yaml:"post_process,omitempty" json:"post_process,omitempty" validate:"dive,oneof=trim split_lines key_value key_value_json"`
	Output      string   `yaml:"output,omitempty" json:"output,omitempty" validate:"omitempty,oneof=string array object"`
}

func (n *Node) IsGroup() bool {
	return n.Kind == KindParallel || n.Kind == KindSequential
}

// Load reads the configuration from store, fills in defaults and validates
// the result.
func Load(store configstore.ConfigStore) (*Config, error) {
	var cfg Config
	if err := store.Load(&cfg); err != nil {
		return nil, err
	}
	if cfg.Plan == nil {
		return nil, ErrNoPlan
	}
	cfg.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load(filestore.New(path))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to store.
func Save(store configstore.ConfigStore, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	return store.Save(cfg)
}

func (c *Config) ApplyDefaults() {
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.SSH.Binary == "" {
		c.SSH.Binary = "ssh"
	}
	if c.SSH.MarkerPrefix == "" {
		c.SSH.MarkerPrefix = task.DefaultMarkerPrefix
	}
	if c.SSH.Native.Port == 0 {
		c.SSH.Native.Port = 22
	}
	if c.SSH.Native.Timeout == 0 {
		c.SSH.Native.Timeout = 10 * time.Second
	}
	walk(c.Plan, func(n *Node) {
		if n.Output == "" {
			n.Output = "string"
		}
	})
}

func walk(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, child := range n.Tasks {
		walk(child, fn)
	}
}

// Nodes returns the plan in depth-first order.
func (c *Config) Nodes() []*Node {
	var out []*Node
	walk(c.Plan, func(n *Node) { out = append(out, n) })
	return out
}
