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
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/transparency-dev/armored-sfu/internal/image"
	"github.com/transparency-dev/armored-sfu/internal/sender"
	"github.com/urfave/cli/v3"
)

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Send an image to a bootloader in download mode",
		Flags: []cli.Flag{
			deviceFlag(),
			&cli.StringFlag{
				Name:     "image",
				Usage:    "Signed image file",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Payload bytes per frame",
				Value: 1024,
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Retransmissions allowed per frame",
				Value: 3,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Time to wait for each device response",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Do not show a progress bar",
			},
		},
		Action: runSendCommand,
	}
}

func runSendCommand(ctx context.Context, cmd *cli.Command) error {
	img, err := os.ReadFile(cmd.String("image"))
	if err != nil {
		return err
	}
	m, _, err := image.Split(img)
	if err != nil {
		return fmt.Errorf("not a firmware image: %w", err)
	}

	conn, err := dial(ctx, cmd.String("device"))
	if err != nil {
		return err
	}
	defer conn.Close()

	opts := []sender.Option{
		sender.WithChunkSize(int(cmd.Int("chunk-size"))),
		sender.WithMaxRetries(int(cmd.Int("retries"))),
		sender.WithResponseTimeout(cmd.Duration("timeout")),
	}
	if !cmd.Bool("quiet") {
		bar := pb.Full.New(len(img)).Set(pb.Bytes, true).SetWriter(cmd.Root().ErrWriter).Start()
		defer bar.Finish()
		opts = append(opts, sender.WithProgress(func(sent, _ int) {
			bar.SetCurrent(int64(sent))
		}))
	}

	if err := sender.New(conn, opts...).Send(ctx, img); err != nil {
		return err
	}

	fmt.Fprintf(cmd.Root().Writer, "Sent %v, the device will install it on reset\n", m)
	return nil
}
