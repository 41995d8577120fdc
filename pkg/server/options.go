package server

import (
	"log/slog"

	"github.com/relves/cordapps/pkg/node"
	"github.com/relves/cordapps/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Node *node.Node
	// Peers resolves party names given in request bodies.
	Peers  []types.Party
	Logger *slog.Logger
}

// Option configures the server.
type Option func(*Config)

// WithNode sets the node served over HTTP.
func WithNode(n *node.Node) Option {
	return func(c *Config) {
		c.Node = n
	}
}

// WithPeers sets the parties that can be named as share targets, move
// destinations or sweepstake counterparties.
func WithPeers(peers ...types.Party) Option {
	return func(c *Config) {
		c.Peers = append(c.Peers, peers...)
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
