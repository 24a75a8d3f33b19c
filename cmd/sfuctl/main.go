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

// The sfuctl tool inspects firmware images and talks to bootloaders in
// download mode.
package main

import (
	"context"
	"io"
	"net"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

const tcpPrefix = "tcp://"

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "sfuctl",
		Usage: "Secure firmware update control tool",
		Commands: []*cli.Command{
			inspectCommand(),
			sendCommand(),
			statusCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		klog.Exitf("sfuctl: %v", err)
	}
}

// deviceFlag selects the bootloader connection.
func deviceFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "device",
		Usage:    "Bootloader to connect to, tcp://host:port or a serial device path",
		Required: true,
	}
}

// dial connects to a bootloader over TCP or a serial device.
func dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	if a, ok := strings.CutPrefix(addr, tcpPrefix); ok {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", a)
	}
	return os.OpenFile(addr, os.O_RDWR, 0)
}
