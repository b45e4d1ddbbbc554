package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruftgo/ruft/pkg/endpoint"
)

const (
	defaultDataDir           = "/tmp/ruft"
	defaultHeartbeatInterval = 3000 * time.Millisecond
)

// Config is the immutable configuration a Node is built from. Build it
// through NewConfigBuilder rather than constructing it by hand so
// defaults stay in one place.
type Config struct {
	Self              endpoint.Endpoint
	Members           []endpoint.Endpoint
	DataDir           string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	StateMachine      StateMachine
	Transport         Transport
}

// ConfigBuilder accumulates Config fields with chainable setters,
// mirroring the builder the public facade exposes.
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder starts a builder for self, defaulted to dataDir
// /tmp/ruft and a 3s heartbeat interval.
func NewConfigBuilder(self endpoint.Endpoint) *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		Self:              self,
		DataDir:           defaultDataDir,
		HeartbeatInterval: defaultHeartbeatInterval,
	}}
}

func (b *ConfigBuilder) Members(members []endpoint.Endpoint) *ConfigBuilder {
	b.cfg.Members = members
	return b
}

func (b *ConfigBuilder) AddMember(e endpoint.Endpoint) *ConfigBuilder {
	b.cfg.Members = append(b.cfg.Members, e)
	return b
}

func (b *ConfigBuilder) DataDir(dir string) *ConfigBuilder {
	b.cfg.DataDir = dir
	return b
}

func (b *ConfigBuilder) HeartbeatInterval(d time.Duration) *ConfigBuilder {
	b.cfg.HeartbeatInterval = d
	return b
}

func (b *ConfigBuilder) Logger(l *zap.Logger) *ConfigBuilder {
	b.cfg.Logger = l
	return b
}

func (b *ConfigBuilder) StateMachine(sm StateMachine) *ConfigBuilder {
	b.cfg.StateMachine = sm
	return b
}

func (b *ConfigBuilder) Transport(t Transport) *ConfigBuilder {
	b.cfg.Transport = t
	return b
}

// Build finalizes the Config, filling any still-unset logger with a
// no-op zap logger.
func (b *ConfigBuilder) Build() Config {
	cfg := b.cfg
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}
