// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sender

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type config struct {
	chunkSize       int
	maxRetries      int
	responseTimeout time.Duration
	backoff         func() backoff.BackOff
	progress        func(sent, total int)
}

func defaultConfig() *config {
	return &config{
		chunkSize:       1024,
		maxRetries:      3,
		responseTimeout: 10 * time.Second,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Option is a functional option for configuring the Sender.
type Option func(*config)

// WithChunkSize sets the payload size of data frames. Default is 1024.
func WithChunkSize(n int) Option {
	return func(c *config) {
		c.chunkSize = n
	}
}

// WithMaxRetries bounds the retransmissions of a single frame. Default is 3.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithResponseTimeout sets the time to wait for a device response before
// resending a frame. Zero waits forever. Default is 10 seconds.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *config) {
		c.responseTimeout = d
	}
}

// WithBackOff sets the policy used to space out resends after a response
// timeout.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *config) {
		c.backoff = f
	}
}

// WithProgress sets a callback reporting acknowledged bytes.
func WithProgress(f func(sent, total int)) Option {
	return func(c *config) {
		c.progress = f
	}
}
