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

package ingest

import (
	"time"

	"github.com/transparency-dev/armored-sfu/api"
)

// config holds the ingestor configuration.
type config struct {
	// maxRetries bounds the re-requests of a single chunk.
	maxRetries int
	// chunkTimeout is the time allowed for each chunk to arrive.
	chunkTimeout time.Duration
	// status answers host status queries (optional).
	status func() *api.Status
	// progress is called after every accepted chunk (optional).
	progress func(received, total uint32)
	// admit is checked before a download slot is selected (optional).
	admit func() error
	// commit is called on a complete image before the final ACK (optional).
	commit func(*Result) error
}

func defaultConfig() *config {
	return &config{
		maxRetries:   3,
		chunkTimeout: 5 * time.Second,
	}
}

// Option is a functional option for configuring the Ingestor.
type Option func(*config)

// WithMaxRetries sets the number of times a chunk may be re-requested
// before the session aborts. Default is 3.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithChunkTimeout sets the time allowed for each chunk to arrive.
// Default is 5 seconds.
func WithChunkTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.chunkTimeout = d
		}
	}
}

// WithStatusProvider sets the function answering host status queries.
func WithStatusProvider(f func() *api.Status) Option {
	return func(c *config) {
		c.status = f
	}
}

// WithProgress sets a callback reporting bytes received against the total
// declared by the image header.
func WithProgress(f func(received, total uint32)) Option {
	return func(c *config) {
		c.progress = f
	}
}

// WithAdmission sets a check run when the image header arrives, before the
// download slot is erased. A failure aborts the session with ErrBusy and
// leaves the flash untouched.
func WithAdmission(f func() error) Option {
	return func(c *config) {
		c.admit = f
	}
}

// WithCommit sets a function called once the whole image has been written,
// before the EOT is acknowledged. A failure aborts the session with
// ErrCommit, so the host learns the image will not be installed.
func WithCommit(f func(*Result) error) Option {
	return func(c *config) {
		c.commit = f
	}
}
