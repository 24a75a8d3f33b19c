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

// Package metrics provides counters for the update pipeline.
//
// Counters are created through a process wide MetricFactory, which defaults
// to an inert implementation until SetMetricFactory is called.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// Counter is a monotonically increasing, optionally labelled, value.
type Counter interface {
	Inc(labelVals ...string)
	Add(val float64, labelVals ...string)
}

// MetricFactory creates counters.
type MetricFactory interface {
	NewCounter(name, help string, labelNames ...string) Counter
}

var (
	mu sync.RWMutex
	mf MetricFactory = InertMetricFactory{}
)

// SetMetricFactory sets the factory used by counters created afterwards.
func SetMetricFactory(f MetricFactory) {
	mu.Lock()
	defer mu.Unlock()
	mf = f
}

// GetMetricFactory returns the current factory.
func GetMetricFactory() MetricFactory {
	mu.RLock()
	defer mu.RUnlock()
	return mf
}

// InertMetricFactory creates counters which discard all updates.
type InertMetricFactory struct{}

func (InertMetricFactory) NewCounter(string, string, ...string) Counter {
	return inertCounter{}
}

type inertCounter struct{}

func (inertCounter) Inc(...string)          {}
func (inertCounter) Add(float64, ...string) {}

// PrometheusFactory creates counters registered with a Prometheus registerer.
type PrometheusFactory struct {
	// Prefix is prepended to every metric name.
	Prefix string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

func (f PrometheusFactory) NewCounter(name, help string, labelNames ...string) Counter {
	reg := f.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: f.Prefix + name,
		Help: help,
	}, labelNames)

	if err := reg.Register(vec); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			klog.Errorf("Failed to register counter %q: %v", name, err)
			return inertCounter{}
		}
		vec = are.ExistingCollector.(*prometheus.CounterVec)
	}

	return &promCounter{vec: vec, labels: len(labelNames)}
}

type promCounter struct {
	vec    *prometheus.CounterVec
	labels int
}

func (c *promCounter) Inc(labelVals ...string) {
	c.Add(1, labelVals...)
}

func (c *promCounter) Add(val float64, labelVals ...string) {
	if len(labelVals) != c.labels {
		klog.Errorf("Counter update with %d label values, want %d", len(labelVals), c.labels)
		return
	}
	c.vec.WithLabelValues(labelVals...).Add(val)
}

// Pipeline counters.
var (
	once sync.Once

	ChunksReceived  Counter
	ChunkRetries    Counter
	SessionsAborted Counter
	SessionsDone    Counter
	AuthResults     Counter
	Installs        Counter
)

// Init creates the pipeline counters using the current factory. It is safe
// to call more than once, only the first call has any effect.
func Init() {
	once.Do(func() {
		f := GetMetricFactory()
		ChunksReceived = f.NewCounter("ingest_chunks_received", "Number of data chunks accepted and written to flash")
		ChunkRetries = f.NewCounter("ingest_chunk_retries", "Number of chunk re-requests, by reason", "reason")
		SessionsAborted = f.NewCounter("ingest_sessions_aborted", "Number of download sessions aborted, by reason", "reason")
		SessionsDone = f.NewCounter("ingest_sessions_complete", "Number of download sessions completed")
		AuthResults = f.NewCounter("auth_results", "Number of image authentications, by result", "result")
		Installs = f.NewCounter("installs", "Number of install attempts, by outcome", "outcome")
	})
}
