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
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/transparency-dev/armored-sfu/internal/ingest"
	"github.com/transparency-dev/armored-sfu/internal/sender"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// serve runs download sessions on a TCP listener or a serial device until
// one completes.
func serve(ctx context.Context, bl downloader, addr, ttyPath string) error {
	if ttyPath != "" {
		f, err := os.OpenFile(ttyPath, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("could not open %s, %v", ttyPath, err)
		}
		defer f.Close()

		klog.Infof("SFU download mode on %s", ttyPath)
		for {
			err := bl.Download(ctx, ingest.NewSerialTransport(f))
			if err == nil || ctx.Err() != nil {
				return err
			}
			klog.Warningf("SFU download failed, %v", err)
		}
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer l.Close()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	klog.Infof("SFU download mode on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		klog.Infof("SFU host connected from %s", conn.RemoteAddr())
		err = bl.Download(ctx, ingest.NewSerialTransport(conn))
		conn.Close()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, ingest.ErrTransportFailure), errors.Is(err, ingest.ErrCancelled):
			klog.Infof("SFU host ended session, %v", err)
		default:
			klog.Warningf("SFU download failed, %v", err)
		}
	}
}

// demo downloads img over an in-process loopback.
func demo(ctx context.Context, bl downloader, img []byte) error {
	host, dev := net.Pipe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer dev.Close()
		return bl.Download(ctx, ingest.NewSerialTransport(dev))
	})
	g.Go(func() error {
		defer host.Close()
		s := sender.New(host, sender.WithProgress(func(sent, total int) {
			klog.V(1).Infof("Sent %d/%d bytes", sent, total)
		}))
		return s.Send(ctx, img)
	})

	return g.Wait()
}
