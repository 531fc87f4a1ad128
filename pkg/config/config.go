// Package config loads the server inventory from a file or MongoDB.
//
// A TOML inventory looks like:
//
//	[manage]
//	threads = 8
//	max_retry = 2
//	backoff = "1s"
//
//	[manage.server.web1]
//	host = "10.0.0.11"
//	port = 22
//	username = "deploy"
//	keypath = "~/.ssh/id_ed25519"
//
//	[firewall]
//	policy = "whitelist"
//	allow_ports = ["22/tcp", "443/tcp"]
package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/firewall"
	"github.com/andrej220/biusrv/internal/retry"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/pkg/config/configstore"
	"github.com/andrej220/biusrv/pkg/config/filestore"
	"github.com/andrej220/biusrv/pkg/config/mongostore"
	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/go-playground/validator/v10"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrWatchUnsupported = errors.New("store does not support watching")
	ErrUnknownServer    = errors.New("unknown server")
	ErrNoServers        = errors.New("no servers selected")
)

// Config is a store of inventories.
type Config interface {
	configstore.ConfigStore
}

type FileConfig struct {
	Path string `yaml:"path" json:"path" validate:"required"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri" validate:"required,uri"`
	DBName   string `yaml:"dbName" json:"dbName" validate:"required"`
	CollName string `yaml:"collName" json:"collName" validate:"required"`
	ID       string `yaml:"id" json:"id" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func NewStore(storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		if err := validate.Struct(fileCfg); err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		if err := validate.Struct(mongoCfg); err != nil {
			return nil, fmt.Errorf("mongo store: %w", err)
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// Watch forwards to stores that can watch for changes.
func Watch(ctx context.Context, store Config, logger lg.Logger, onChange func()) error {
	w, ok := store.(configstore.Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	if fs, ok := store.(*filestore.FileStore); ok && logger != nil {
		fs.Logger = logger
	}
	return w.Watch(ctx, onChange)
}

// Close releases stores that hold a connection.
func Close(ctx context.Context, store Config) error {
	if c, ok := store.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}

// Duration reads "1s" style strings from YAML and TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Server struct {
	Host        string `yaml:"host" toml:"host" json:"host" bson:"host" validate:"required,hostname_rfc1123|ip"`
	Port        int    `yaml:"port,omitempty" toml:"port,omitempty" json:"port,omitempty" bson:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username    string `yaml:"username" toml:"username" json:"username" bson:"username" validate:"required"`
	KeyPath     string `yaml:"keypath,omitempty" toml:"keypath,omitempty" json:"keypath,omitempty" bson:"keypath,omitempty"`
	Password    string `yaml:"password,omitempty" toml:"password,omitempty" json:"-" bson:"password,omitempty"`
	UsePassword bool   `yaml:"use_password,omitempty" toml:"use_password,omitempty" json:"use_password,omitempty" bson:"use_password,omitempty"`
}

type Manage struct {
	// Threads caps concurrent servers. Zero means one worker per server up to
	// the pool default.
	Threads    int               `yaml:"threads,omitempty" toml:"threads,omitempty" json:"threads,omitempty" bson:"threads,omitempty" validate:"gte=0"`
	MaxRetry   int               `yaml:"max_retry,omitempty" toml:"max_retry,omitempty" json:"max_retry,omitempty" bson:"max_retry,omitempty" validate:"gte=0"`
	Backoff    Duration          `yaml:"backoff,omitempty" toml:"backoff,omitempty" json:"backoff,omitempty" bson:"backoff,omitempty" validate:"gte=0"`
	BackoffCap Duration          `yaml:"backoff_cap,omitempty" toml:"backoff_cap,omitempty" json:"backoff_cap,omitempty" bson:"backoff_cap,omitempty" validate:"gte=0"`
	Servers    map[string]Server `yaml:"server" toml:"server" json:"server" bson:"server" validate:"required,min=1,dive,keys,required,endkeys"`
}

type Events struct {
	Kafka *events.KafkaConfig `yaml:"kafka,omitempty" toml:"kafka,omitempty" json:"kafka,omitempty" bson:"kafka,omitempty"`
}

// Inventory is the loaded configuration.
type Inventory struct {
	Manage   Manage           `yaml:"manage" toml:"manage" json:"manage" bson:"manage"`
	Firewall *firewall.Policy `yaml:"firewall,omitempty" toml:"firewall,omitempty" json:"firewall,omitempty" bson:"firewall,omitempty"`
	Events   Events           `yaml:"events,omitempty" toml:"events,omitempty" json:"events,omitempty" bson:"events,omitempty"`
}

// Load reads and validates an inventory from store.
func Load(store configstore.ConfigStore) (*Inventory, error) {
	inv := &Inventory{}
	if err := store.Load(inv); err != nil {
		return nil, err
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// LoadFile is Load over a file store.
func LoadFile(path string) (*Inventory, error) {
	return Load(filestore.New(path))
}

func (inv *Inventory) Validate() error {
	if err := validate.Struct(inv); err != nil {
		return fmt.Errorf("invalid inventory: %w", err)
	}
	if inv.Firewall != nil {
		if _, err := inv.Firewall.Plan(); err != nil {
			return fmt.Errorf("invalid inventory: firewall: %w", err)
		}
	}
	return nil
}

// Names lists the configured server names in order.
func (inv *Inventory) Names() []string {
	names := make([]string, 0, len(inv.Manage.Servers))
	for name := range inv.Manage.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (inv *Inventory) Target(name string) (session.Target, bool) {
	s, ok := inv.Manage.Servers[name]
	if !ok {
		return session.Target{}, false
	}
	return session.Target{
		Name:        name,
		Host:        s.Host,
		Port:        s.Port,
		User:        s.Username,
		KeyPath:     s.KeyPath,
		Password:    s.Password,
		UsePassword: s.UsePassword,
	}, true
}

// Targets resolves the selected names, or every server when all is set.
// Duplicates are dropped and the result is sorted by name.
func (inv *Inventory) Targets(names []string, all bool) ([]session.Target, error) {
	if all {
		names = inv.Names()
	}
	if len(names) == 0 {
		return nil, ErrNoServers
	}
	seen := make(map[string]bool, len(names))
	out := make([]session.Target, 0, len(names))
	var unknown []string
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		t, ok := inv.Target(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out = append(out, t)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownServer, unknown)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Policy is the retry policy configured under [manage].
func (inv *Inventory) Policy() retry.Policy {
	return retry.Policy{
		MaxRetry: inv.Manage.MaxRetry,
		Base:     time.Duration(inv.Manage.Backoff),
		Cap:      time.Duration(inv.Manage.BackoffCap),
	}
}
