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

package install

type config struct {
	// rollback enables the firmware version check against stored epochs.
	rollback bool
}

func defaultConfig() *config {
	return &config{}
}

// Option is a functional option for configuring the Coordinator.
type Option func(*config)

// WithRollbackProtection rejects images older than the last version
// installed for the same magic. Disabled by default.
func WithRollbackProtection(enabled bool) Option {
	return func(c *config) {
		c.rollback = enabled
	}
}
