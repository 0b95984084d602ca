package app

import "io"

type SendConfig struct {
	Server    string
	File      string
	BatchSize int
	// Legacy posts records one by one to the deprecated single-record
	// endpoint.
	Legacy bool
	Out    io.Writer
	// Progress receives the progress bar; nil disables it.
	Progress io.Writer
}

type SpoolConfig struct {
	QueueURL  string
	QueueName string
	Limit     int
	Out       io.Writer
}
