package app

import "time"

type Config struct {
	Interface      string
	Server         string
	Ports          []uint16
	RequestTimeout time.Duration
	PostTimeout    time.Duration
	BatchSize      int
	FlushInterval  time.Duration
	AccountID      string
	VxlanID        string
	EnableEBPF     bool
}

func (c *Config) applyDefaults() {
	if len(c.Ports) == 0 {
		c.Ports = []uint16{80}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PostTimeout <= 0 {
		c.PostTimeout = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
}
