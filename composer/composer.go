// Copyright 2015 The Cohorte Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package composer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/metrics"
)

const (
	// DefaultSettleDelay is waited before computing a distribution, so
	// isolates being started have a chance to show up.
	DefaultSettleDelay = 5 * time.Second

	// DefaultRedistributionDelay separates two redistribution passes.
	DefaultRedistributionDelay = 120 * time.Second

	// DefaultWorkers bounds the isolates being started at once.
	DefaultWorkers = 3
)

var ErrNotController = errors.New("Composer is not controlling the node")

// Finder resolves the bundle implementing the factory of a component.
type Finder interface {
	Normalize(c Component) (Bundle, bool)
}

// Distributor places components into isolates.  It returns the running
// isolates it kept, with their whole component set, and the isolates to
// create.
type Distributor interface {
	Distribute(components []Component, running []Isolate) (updated []Isolate, created []Isolate)
	HandleEvent(ev Event)
}

// StatusStore remembers which isolate hosts which component.
type StatusStore interface {
	Store(isolates []Isolate)
	Remove(names []string)
	Clear()
	Components() []Component
	ComponentsFor(isolate string) []Component
}

// Commander gives orders to the running isolates.
type Commander interface {
	Start(isolates []Isolate)
	Kill(components []Component)
	RunningIsolates() []Isolate
	IsolateReady(uid, name string)
	IsolateLost(name string)
}

// Monitor starts and stops isolates.
type Monitor interface {
	StartIsolate(name, kind, language string, bundles []Bundle) error
	StopIsolate(uid string) bool
}

// Directory locates the isolates of the node.
type Directory interface {
	GetIsolatesOnNode(node string) []string
	GetIsolateName(uid string) (string, bool)
}

// Composer decides where the components of a node run.  Instantiation and
// redistribution passes are serialized.
type Composer struct {
	node        string
	nodeName    string
	dir         Directory
	commander   Commander
	monitor     Monitor
	finder      Finder
	distributor Distributor
	status      StatusStore
	settle      time.Duration
	delay       time.Duration
	workers     int
	pool        *cohorte.Queue
	timer       *time.Timer
	gen         int
	controller  bool
	closed      bool
	metrics     *metrics.Collector
	log         *zap.Logger
	mx          sync.Mutex
}

type Option func(*Composer)

func WithLogger(zl *zap.Logger) Option {
	return func(c *Composer) { c.log = zl }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Composer) { c.metrics = m }
}

func WithFinder(f Finder) Option {
	return func(c *Composer) { c.finder = f }
}

func WithDistributor(d Distributor) Option {
	return func(c *Composer) { c.distributor = d }
}

func WithStatus(s StatusStore) Option {
	return func(c *Composer) { c.status = s }
}

// WithSettleDelay sets the delay waited by Instantiate.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Composer) { c.settle = d }
}

// WithRedistributionDelay sets the period of the redistribution timer.
func WithRedistributionDelay(d time.Duration) Option {
	return func(c *Composer) { c.delay = d }
}

// WithWorkers sets how many isolates may be started at once.
func WithWorkers(n int) Option {
	return func(c *Composer) { c.workers = n }
}

// NewComposer returns the composer of a node.  Isolates it creates are
// named after nodeName.
func NewComposer(node, nodeName string, dir Directory, commander Commander, mon Monitor, opts ...Option) *Composer {
	c := &Composer{
		node:       node,
		nodeName:   nodeName,
		dir:        dir,
		commander:  commander,
		monitor:    mon,
		settle:     DefaultSettleDelay,
		delay:      DefaultRedistributionDelay,
		workers:    DefaultWorkers,
		controller: true,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.finder == nil {
		c.finder = NewMapFinder(nil)
	}
	if c.distributor == nil {
		c.distributor = NewLanguageDistributor()
	}
	if c.status == nil {
		c.status = NewMemoryStatus()
	}
	c.pool = cohorte.NewPool("composer-starter", c.workers, c.log)
	return c
}

func (c *Composer) lock() {
	c.mx.Lock()
}

func (c *Composer) unlock() {
	c.mx.Unlock()
}

// startTimer arms the redistribution timer, replacing the pending one.
func (c *Composer) startTimer() {
	c.stopTimer()
	if c.closed || !c.controller {
		return
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.delay, func() { c.fire(gen) })
}

func (c *Composer) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (c *Composer) fire(gen int) {
	c.lock()
	defer c.unlock()
	if gen != c.gen {
		return
	}
	c.timer = nil
	c.redistribute()
}

// computeBundles resolves the bundle of every component, filling in the
// missing languages.
func (c *Composer) computeBundles(components []Component) (map[string]Bundle, error) {
	bundles := make(map[string]Bundle, len(components))
	missing := make(map[string]bool)
	for i := range components {
		b, ok := c.finder.Normalize(components[i])
		if !ok {
			missing[components[i].Factory] = true
			continue
		}
		if components[i].Language == "" {
			components[i].Language = b.Language
		}
		bundles[components[i].Name] = b
	}
	if len(missing) > 0 {
		e := &FactoriesMissing{}
		for f := range missing {
			e.Factories = append(e.Factories, f)
		}
		sort.Strings(e.Factories)
		return nil, e
	}
	return bundles, nil
}

// distribute returns the whole distribution and the isolates to create,
// which are named on the way.
func (c *Composer) distribute(components []Component, running []Isolate) ([]Isolate, []Isolate) {
	updated, created := c.distributor.Distribute(components, running)
	for i := range created {
		if created[i].Name == "" {
			created[i].Name = fmt.Sprintf("%s-%s-%s", c.nodeName,
				created[i].Language, cohorte.ShortUID())
		}
	}
	return append(updated, created...), created
}

func (c *Composer) startIsolate(iso Isolate, bundles map[string]Bundle) {
	seen := make(map[string]bool)
	var list []Bundle
	for _, comp := range iso.Components {
		b, ok := bundles[comp.Name]
		if !ok || seen[b.Name] {
			continue
		}
		seen[b.Name] = true
		list = append(list, b)
	}
	kind := Kind(iso.Language)
	c.log.Debug("Starting isolate", zap.String("name", iso.Name),
		zap.String("kind", kind), zap.String("language", iso.Language))
	if err := c.monitor.StartIsolate(iso.Name, kind, iso.Language, list); err != nil {
		c.log.Error("Failed to start isolate", zap.String("name", iso.Name),
			zap.Error(err))
	}
}

// killIsolates stops the isolates of this node with the given names.
func (c *Composer) killIsolates(names []string) {
	if len(names) == 0 {
		return
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	for _, uid := range c.dir.GetIsolatesOnNode(c.node) {
		if name, ok := c.dir.GetIsolateName(uid); ok && wanted[name] {
			c.log.Info("Stopping unused isolate", zap.String("name", name),
				zap.String("uid", uid))
			c.monitor.StopIsolate(uid)
		}
	}
}

// Instantiate places the components and starts them.  It fails with a
// *FactoriesMissing when some factories cannot be resolved, in which case
// nothing is started.
func (c *Composer) Instantiate(components []Component) error {
	c.lock()
	defer c.unlock()
	if !c.controller || c.closed {
		return ErrNotController
	}
	c.stopTimer()
	if c.settle > 0 {
		time.Sleep(c.settle)
	}

	components = append([]Component(nil), components...)
	for i := range components {
		components[i].Isolate = ""
	}
	bundles, err := c.computeBundles(components)
	if err != nil {
		c.log.Error("Cannot compute the bundles of the components", zap.Error(err))
		c.metrics.ComposerPass("instantiate", "missing")
		c.startTimer()
		return err
	}

	running := c.commander.RunningIsolates()
	distribution, created := c.distribute(components, running)

	placed := make(map[string]Isolate, len(distribution))
	for _, iso := range distribution {
		placed[iso.Name] = iso
	}
	var unused []string
	var moved []Component
	for _, iso := range running {
		target, ok := placed[iso.Name]
		if !ok {
			rest := difference(iso.Components, components)
			if len(rest) == 0 {
				unused = append(unused, iso.Name)
				continue
			}
			target.Components = rest
		}
		moved = append(moved, difference(iso.Components, target.Components)...)
	}
	if len(moved) > 0 {
		c.commander.Kill(moved)
	}
	c.killIsolates(unused)

	c.status.Store(distribution)
	c.commander.Start(distribution[:len(distribution)-len(created)])
	for _, iso := range created {
		iso := iso
		c.pool.Enqueue(func() { c.startIsolate(iso, bundles) })
	}
	c.log.Info("Components instantiated", zap.Strings("components", componentNames(components)),
		zap.Int("new_isolates", len(created)))
	c.metrics.ComposerPass("instantiate", "done")
	c.startTimer()
	return nil
}

// redistribute computes a new distribution of the stored components and
// applies the differences: removals, then extensions, then new isolates.
// Called with the lock held.
func (c *Composer) redistribute() {
	if !c.controller || c.closed {
		return
	}
	defer c.startTimer()

	components := c.status.Components()
	for i := range components {
		components[i].Isolate = ""
	}
	running := c.commander.RunningIsolates()
	distribution, created := c.distribute(components, running)
	kept := distribution[:len(distribution)-len(created)]

	placed := make(map[string]bool, len(distribution))
	for _, iso := range distribution {
		placed[iso.Name] = true
	}
	var removedIsolates []Isolate
	for _, iso := range running {
		if !placed[iso.Name] {
			removedIsolates = append(removedIsolates, iso)
		}
	}

	var extended []Isolate
	var moved []Component
	for _, iso := range kept {
		current := c.status.ComponentsFor(iso.Name)
		if len(difference(iso.Components, current)) > 0 {
			extended = append(extended, iso)
		}
		moved = append(moved, difference(current, iso.Components)...)
	}

	if len(moved) == 0 && len(extended) == 0 && len(created) == 0 {
		c.log.Debug("Distribution unchanged")
		c.metrics.ComposerPass("redistribute", "unchanged")
		return
	}

	c.log.Info("Redistributing components", zap.Int("moved", len(moved)),
		zap.Int("extended", len(extended)), zap.Int("new_isolates", len(created)),
		zap.Int("removed_isolates", len(removedIsolates)))

	var names []string
	for _, iso := range removedIsolates {
		c.commander.Kill(iso.Components)
		names = append(names, iso.Name)
	}
	if len(moved) > 0 {
		c.commander.Kill(moved)
	}
	c.status.Clear()
	c.status.Store(distribution)
	c.killIsolates(names)

	if len(extended) > 0 {
		c.commander.Start(extended)
	}
	if len(created) > 0 {
		bundles, err := c.computeBundles(components)
		if err != nil {
			c.log.Error("Cannot start the new isolates", zap.Error(err))
			c.metrics.ComposerPass("redistribute", "missing")
			return
		}
		for _, iso := range created {
			iso := iso
			c.pool.Enqueue(func() { c.startIsolate(iso, bundles) })
		}
	}
	c.metrics.ComposerPass("redistribute", "changed")
}

// Kill stops the given components and forgets the distribution.
func (c *Composer) Kill(components []Component) {
	c.lock()
	defer c.unlock()
	c.stopTimer()
	c.commander.Kill(components)
	c.status.Clear()
}

// HandleLostIsolate places the components of a lost isolate again.  The
// new placement is computed from scratch.
func (c *Composer) HandleLostIsolate(uid, name string) {
	c.commander.IsolateLost(name)
	lost := c.status.ComponentsFor(name)
	if len(lost) == 0 {
		c.log.Debug("No known component in the lost isolate", zap.String("name", name))
		return
	}
	c.log.Warn("Components lost with their isolate", zap.String("name", name),
		zap.String("uid", uid), zap.Strings("components", componentNames(lost)))
	c.status.Remove(componentNames(lost))
	c.distributor.HandleEvent(Event{
		Isolate:    name,
		Kind:       EventIsolateLost,
		Good:       false,
		Components: lost,
	})
	c.pool.Enqueue(func() {
		if err := c.Instantiate(lost); err != nil {
			c.log.Error("Failed to instantiate lost components", zap.Error(err))
		}
	})
}

// HandleIsolateReady hands its orders to an isolate that just started.
func (c *Composer) HandleIsolateReady(uid, name string) {
	c.commander.IsolateReady(uid, name)
}

// SetPlatformStopping stops controlling the node.  Instantiate is refused
// and no more redistribution happens.
func (c *Composer) SetPlatformStopping() {
	c.lock()
	c.controller = false
	c.stopTimer()
	c.unlock()
}

// IsController reports whether the composer still controls the node.
func (c *Composer) IsController() bool {
	c.lock()
	defer c.unlock()
	return c.controller
}

// Status returns the current distribution, by isolate.
func (c *Composer) Status() map[string][]Component {
	rv := make(map[string][]Component)
	for _, comp := range c.status.Components() {
		rv[comp.Isolate] = append(rv[comp.Isolate], comp)
	}
	return rv
}

// Close stops the timer and waits for the pending isolate starts.
func (c *Composer) Close() {
	c.lock()
	c.closed = true
	c.stopTimer()
	c.unlock()
	c.pool.Close()
}
