package client

import "time"

const (
	defaultWait = 5 * time.Second
	pollEvery   = 5 * time.Millisecond
)
