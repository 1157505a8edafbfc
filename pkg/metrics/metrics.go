// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package metrics

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/pnm-resmgr/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

// State represents the configuration of a collector or a group of collectors.
type State int

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)
	// Polled marks a collector as polled. Polled collectors return the
	// metrics cached during the last polling cycle. This is useful for
	// metrics which are too costly to collect on every scrape.
	Polled
	// NamespacePrefix prefixes the metrics of a collector with the
	// common namespace of the gatherer.
	NamespacePrefix
	// SubsystemPrefix prefixes the metrics of a collector with the name
	// of its group.
	SubsystemPrefix

	// DefaultName is the name of the default group.
	DefaultName = "default"
)

func (s State) IsEnabled() bool      { return s&Enabled != 0 }
func (s State) IsPolled() bool       { return s&Polled != 0 }
func (s State) NeedsNamespace() bool { return s&NamespacePrefix != 0 }
func (s State) NeedsSubsystem() bool { return s&SubsystemPrefix != 0 }

// String returns a string representation of the collector state.
func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.IsPolled() {
		flags = append(flags, "polled")
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a registered prometheus.Collector.
type Collector struct {
	collector prometheus.Collector
	name      string
	group     string
	State
	lastpoll []prometheus.Metric
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace is an option to disable namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.State &^= NamespacePrefix
	}
}

// WithoutSubsystem is an option to disable group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.State &^= SubsystemPrefix
	}
}

// WithPolled is an option to mark a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.State |= Polled
	}
}

func newCollector(group, name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		group:     group,
		collector: collector,
		State:     Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the fully qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the collector, its group, or its fully qualified
// name matches the given glob pattern.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	switch {
	case !c.IsEnabled():
	case !c.IsPolled():
		clog.Debug("collecting %q", c.Name())
		c.collector.Collect(ch)
	default:
		clog.Debug("collecting (polled) %q", c.Name())
		for _, m := range c.lastpoll {
			ch <- m
		}
	}
}

func (c *Collector) poll() {
	if !c.IsEnabled() || !c.IsPolled() {
		return
	}

	clog.Debug("polling %q", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}
	c.lastpoll = polled
}

func (c *Collector) enable(state bool) {
	if state {
		c.State |= Enabled
	} else {
		c.State &^= Enabled
	}
}

// Registry is a collection of collectors organized into groups.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

type registerOptions struct {
	group string
	copts []CollectorOption
}

// RegisterOption is an option for registering collectors.
type RegisterOption func(*registerOptions)

// WithGroup is an option to register a collector in a specific group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions is an option to register a collector with options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	o := &registerOptions{group: DefaultName}
	for _, opt := range opts {
		opt(o)
	}

	r.Lock()
	defer r.Unlock()

	for _, c := range r.groups[o.group] {
		if c.name == name {
			return fmt.Errorf("collector %s/%s already registered", o.group, name)
		}
	}

	c := newCollector(o.group, name, collector, o.copts...)
	r.groups[o.group] = append(r.groups[o.group], c)
	log.Info("registered collector %q", c.Name())

	return nil
}

// Configure enables the collectors matching any of the given globs and
// disables the rest. Collectors matching any glob in polled are put in
// polled mode. Globs which match no collector are reported as an error.
func (r *Registry) Configure(enabled, polled []string) (State, error) {
	log.Info("configuring registry with collectors enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	r.Lock()
	defer r.Unlock()

	var (
		state   State
		matched = map[string]bool{}
	)

	r.foreach(func(c *Collector) {
		c.enable(false)
		for _, glob := range enabled {
			if c.Matches(glob) {
				matched[glob] = true
				c.enable(true)
			}
		}
		for _, glob := range polled {
			if c.Matches(glob) {
				matched[glob] = true
				c.enable(true)
				c.State |= Polled
			}
		}
		log.Info("collector %q now %s", c.Name(), c.State)
		state |= c.State
	})

	var unmatched []string
	for _, glob := range append(append([]string{}, enabled...), polled...) {
		if !matched[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return state, fmt.Errorf("no collectors match globs %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// poll all enabled collectors in polled mode.
func (r *Registry) poll() {
	r.Lock()
	defer r.Unlock()

	wg := sync.WaitGroup{}
	r.foreach(func(c *Collector) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.poll()
		}()
	})
	wg.Wait()
}

// foreach calls fn for all collectors, in group and registration order.
func (r *Registry) foreach(fn func(*Collector)) {
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, c := range r.groups[name] {
			fn(c)
		}
	}
}

func (r *Registry) register(plain, ns prometheus.Registerer) error {
	r.Lock()
	defer r.Unlock()

	var err error
	r.foreach(func(c *Collector) {
		if err != nil {
			return
		}
		reg := plain
		if c.NeedsNamespace() {
			reg = ns
		}
		if c.NeedsSubsystem() {
			reg = prefixedRegisterer(c.group, reg)
		}
		err = reg.Register(c)
	})

	return err
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}

// Gatherer is a prometheus gatherer for our registry.
type Gatherer struct {
	*prometheus.Registry
	r            *Registry
	namespace    string
	pollInterval time.Duration
	lock         sync.Mutex
	stopCh       chan struct{}
	doneCh       chan struct{}
	enabled      []string
	polled       []string
}

// GathererOption is an option for the gatherer.
type GathererOption func(*Gatherer)

const (
	// MinPollInterval is the most frequent allowed polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the default interval for polling collectors.
	DefaultPollInterval = 30 * time.Second
)

// WithNamespace defines the common namespace prefix for gathered collectors.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval defines the polling interval for the gatherer.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables internally triggered polling for the gatherer.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = 0
	}
}

// WithMetrics defines which groups or collectors are enabled and polled.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a new gatherer for the registry, with the given options.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		r:            r,
		Registry:     prometheus.NewPedanticRegistry(),
		pollInterval: DefaultPollInterval,
	}

	for _, o := range opts {
		o(g)
	}

	state, err := r.Configure(g.enabled, g.polled)
	if err != nil {
		return nil, err
	}

	if err := r.register(g.Registry, prefixedRegisterer(g.namespace, g.Registry)); err != nil {
		return nil, err
	}

	g.Poll()

	switch {
	case !state.IsPolled():
		log.Info("no polling (no collectors in polled mode)")
	case g.pollInterval == 0:
		log.Info("no polling (internally triggered polling disabled)")
	default:
		log.Info("polling collectors every %s", g.pollInterval)
		g.stopCh = make(chan struct{})
		g.doneCh = make(chan struct{})
		go g.poller()
	}

	return g, nil
}

// Gather implements the prometheus.Gatherer interface.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll all enabled collectors in polled mode.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.poll()
}

func (g *Gatherer) poller() {
	ticker := time.NewTicker(g.pollInterval)
	defer func() {
		ticker.Stop()
		close(g.doneCh)
	}()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.Poll()
		}
	}
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
	g.stopCh = nil
}
