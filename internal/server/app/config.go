package app

import (
	"time"

	"trafficgw/internal/logging"
)

const (
	DefaultListen       = ":8080"
	DefaultQueueName    = "akto-traffic-queue"
	DefaultMaxBodyBytes = 10 << 20
)

type Config struct {
	Listen          string
	Queue           QueueConfig
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	// MetricsListen is a separate listener so /metrics never shadows the
	// gateway's 404 contract. Empty disables it.
	MetricsListen string
	Log           logging.Config
	ACME          ACMEConfig
}

type QueueConfig struct {
	URL         string
	Name        string
	Token       string
	SendTimeout time.Duration
}

type ACMEConfig struct {
	Enable   bool
	Domains  []string
	Email    string
	CacheDir string
	CA       string
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Queue.Name == "" {
		c.Queue.Name = DefaultQueueName
	}
	if c.Queue.SendTimeout <= 0 {
		c.Queue.SendTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ACME.CacheDir == "" {
		c.ACME.CacheDir = "cert-cache"
	}
}
