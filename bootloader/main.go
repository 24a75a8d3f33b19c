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

// The bootloader command runs the secure firmware update pipeline against a
// file-backed flash image.
//
// In download mode it serves update sessions over TCP or a serial tty until
// an image is received, then resets into the boot cycle which installs and
// starts it.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transparency-dev/armored-sfu/internal/config"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/metrics"
	"k8s.io/klog/v2"
)

// initialized at compile time (see Makefile)
var (
	Build     string
	Revision  string
	Version   string
	PublicKey string
)

var (
	flashFile   = flag.String("flash_file", "flash.bin", "Flash image file, created erased if missing.")
	configFile  = flag.String("config", "", "Device layout YAML, the built-in layout is used if unset.")
	secretFile  = flag.String("secret_file", "", "File holding the device secret records and AES-GCM keys are derived from.")
	uid         = flag.String("uid", "sfu-emulator", "Device unique ID, diversifies the record storage key.")
	listen      = flag.String("listen", "", "Serve download sessions on this TCP address.")
	tty         = flag.String("tty", "", "Serve download sessions on this serial device.")
	demoImage   = flag.String("demo_image", "", "Download this image over an in-process loopback before booting.")
	metricsAddr = flag.String("metrics_addr", "", "Expose Prometheus metrics on this address.")
)

func init() {
	klog.InitFlags(nil)
}

func main() {
	flag.Parse()
	defer klog.Flush()

	klog.Infof("%s/%s (%s) • secure firmware update bootloader • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *metricsAddr != "" {
		metrics.SetMetricFactory(metrics.PrometheusFactory{Prefix: "sfu_"})
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Errorf("SFU metrics server: %v", err)
			}
		}()
		klog.Infof("SFU metrics on http://%s/metrics", *metricsAddr)
	}

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			klog.Exitf("SFU failed to load configuration, %v", err)
		}
	}

	var secret []byte
	if *secretFile != "" {
		var err error
		if secret, err = os.ReadFile(*secretFile); err != nil {
			klog.Exitf("SFU could not read device secret, %v", err)
		}
	} else {
		klog.Warning("SFU no device secret set, using the emulator development secret")
		secret = []byte(developmentSecret)
	}

	if len(PublicKey) == 0 && cfg.Auth.Scheme != crypto.SchemeAESGCM {
		klog.Exit("SFU image authentication key is missing")
	}

	d := &device{
		cfg:    cfg,
		path:   *flashFile,
		secret: secret,
		uid:    []byte(*uid),
		info:   info(),
	}

	if err := run(ctx, d); err != nil {
		klog.Exitf("SFU %v", err)
	}
}

// run serves downloads when requested, then boots the active image.
func run(ctx context.Context, d *device) error {
	if *demoImage != "" {
		img, err := os.ReadFile(*demoImage)
		if err != nil {
			return err
		}
		if err := d.session(func(bl downloader) error { return demo(ctx, bl, img) }); err != nil {
			return err
		}
	}

	if *listen != "" || *tty != "" {
		if err := d.session(func(bl downloader) error { return serve(ctx, bl, *listen, *tty) }); err != nil {
			return err
		}
	}

	return d.boot()
}
