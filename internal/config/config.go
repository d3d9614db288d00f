package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// Configuration data structures for a nildb node.

// Root is the top-level configuration structure of a nildb node.
type Root struct {
	Node     *Node     `json:"node,omitempty"`
	Database *Database `json:"database,omitempty"`
	Bus      *Bus      `json:"bus,omitempty"`
	Service  *Service  `json:"service,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

const (
	DefaultHandlerTimeout     = 5 * time.Minute
	DefaultConcurrency        = 8
	DefaultReconcileInterval  = 10 * time.Minute
	DefaultValidatorCacheSize = 128
	DefaultTailLimit          = 25
	DefaultMetricsAddr        = ":9090"
	DefaultCommandStream      = "nildb:commands"
	DefaultEventStream        = "nildb:events"
	DefaultConsumerGroup      = "nildb"
)

// SetSQLitePersistentByDefault points the node at a SQLite database file in
// the given directory unless another database is configured. The 'run'
// command uses it so that a node keeps its data across restarts.
func (r *Root) SetSQLitePersistentByDefault(persistenceDir string) bool {
	if r.Database == nil {
		r.Database = &Database{}
	}

	if r.Database.SQL == nil {
		r.Database.SQL = &SQLDatabase{}
	}

	switch r.Database.SQL.Driver {
	case "", "sqlite3", "sqlite":
		if r.Database.SQL.DSN == "" {
			r.Database.SQL.Driver = "sqlite3"
			r.Database.SQL.DSN = "file:" + filepath.Join(persistenceDir, "nildb.db") + "?_pragma=busy_timeout(5000)"
		}
		return true
	}
	return false
}

// SetDefaults fills in every optional section so that callers can
// dereference the configuration without nil checks.
func (r *Root) SetDefaults() {
	if r.Node == nil {
		r.Node = &Node{}
	}
	if r.Database == nil {
		r.Database = &Database{}
	}
	if r.Bus == nil {
		r.Bus = &Bus{}
	}
	if r.Bus.Redis != nil {
		r.Bus.Redis.setDefaults()
	}
	if r.Service == nil {
		r.Service = &Service{}
	}
	r.Service.setDefaults()
}

func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	r.SetDefaults()
	return nil
}

func (r *Root) UnmarshalJSON(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalJSON by type aliasing
	var raw rawRoot

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	r.SetDefaults()
	return nil
}

// Validate checks a YAML or JSON document against the configuration schema.
func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}
	if config == nil {
		return nil
	}

	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	return schema.Validate(config)
}

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Node holds the identity of the node.
type Node struct {
	// PrivateKey is the hex encoded secp256k1 private key. Environment
	// variables of the form ${NAME} are expanded when the key is read.
	PrivateKey string `json:"private_key,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (n *Node) Key() string {
	return os.ExpandEnv(n.PrivateKey)
}

type Database struct {
	SQL *SQLDatabase `json:"sql,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type SQLDatabase struct {
	Driver string `json:"driver,omitempty" enum:"sqlite3,sqlite,postgres,pgx,mysql"`
	DSN    string `json:"dsn,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Bus selects the command bus. Without a Redis section the node runs with an
// in-process bus, which is only useful for tests and local tooling.
type Bus struct {
	Redis *Redis `json:"redis,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type Redis struct {
	Addr          string `json:"addr"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty" minimum:"0"`
	CommandStream string `json:"command_stream,omitempty"`
	EventStream   string `json:"event_stream,omitempty"`
	Group         string `json:"group,omitempty"`
	Consumer      string `json:"consumer,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (r *Redis) setDefaults() {
	if r.CommandStream == "" {
		r.CommandStream = DefaultCommandStream
	}
	if r.EventStream == "" {
		r.EventStream = DefaultEventStream
	}
	if r.Group == "" {
		r.Group = DefaultConsumerGroup
	}
	if r.Consumer == "" {
		r.Consumer, _ = os.Hostname()
	}
}

// Address returns the address with environment variables expanded.
func (r *Redis) Address() string {
	return os.ExpandEnv(r.Addr)
}

// Secret returns the password with environment variables expanded.
func (r *Redis) Secret() string {
	return os.ExpandEnv(r.Password)
}

type Service struct {
	MetricsAddr string `json:"metrics_addr,omitempty"`
	// HandlerTimeout bounds how long the command processor waits for a
	// single handler before moving on.
	HandlerTimeout     Duration `json:"handler_timeout,omitzero"`
	Concurrency        int      `json:"concurrency,omitempty" minimum:"0"`
	ReconcileInterval  Duration `json:"reconcile_interval,omitzero"`
	ValidatorCacheSize int      `json:"validator_cache_size,omitempty" minimum:"0"`
	TailLimit          int      `json:"tail_limit,omitempty" minimum:"0"`

	_ struct{} `additionalProperties:"false"`
}

func (s *Service) setDefaults() {
	if s.MetricsAddr == "" {
		s.MetricsAddr = DefaultMetricsAddr
	}
	if s.HandlerTimeout == 0 {
		s.HandlerTimeout = Duration(DefaultHandlerTimeout)
	}
	if s.Concurrency == 0 {
		s.Concurrency = DefaultConcurrency
	}
	if s.ReconcileInterval == 0 {
		s.ReconcileInterval = Duration(DefaultReconcileInterval)
	}
	if s.ValidatorCacheSize == 0 {
		s.ValidatorCacheSize = DefaultValidatorCacheSize
	}
	if s.TailLimit == 0 {
		s.TailLimit = DefaultTailLimit
	}
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return Parse(bs)
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	root.SetDefaults() // an empty document never reaches UnmarshalYAML

	return &root, nil
}
