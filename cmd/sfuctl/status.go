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

package main

import (
	"context"
	"fmt"

	"github.com/transparency-dev/armored-sfu/internal/sender"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Get the bootloader status",
		Flags:  []cli.Flag{deviceFlag()},
		Action: runStatusCommand,
	}
}

func runStatusCommand(ctx context.Context, cmd *cli.Command) error {
	conn, err := dial(ctx, cmd.String("device"))
	if err != nil {
		return err
	}
	defer conn.Close()

	s := sender.New(conn)
	st, err := s.Status(ctx)
	if err != nil {
		return err
	}
	// Leave download mode idle for the next session.
	if err := s.Cancel(); err != nil {
		klog.V(1).Infof("Cancel: %v", err)
	}

	fmt.Fprintln(cmd.Root().Writer, st.Print())
	return nil
}
