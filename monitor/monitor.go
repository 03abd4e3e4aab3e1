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

// Package monitor coordinates a node: it starts isolates through the
// forkers, tracks their state, restarts the auto-run ones and stops
// everything when the platform or the node goes down.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/composer"
	"github.com/cohorte/cohorte-runtime/events"
	"github.com/cohorte/cohorte-runtime/forker"
	"github.com/cohorte/cohorte-runtime/metrics"
	"github.com/cohorte/cohorte-runtime/signals"
)

const (
	// DefaultStartTimeout bounds the start orders sent to the forkers.
	DefaultStartTimeout = 10 * time.Second

	signalTimeout = 5 * time.Second
)

var ErrStartFailed = errors.New("Isolate start failed")

// Forkers starts and stops isolates on the forkers of the platform.  An
// aggregator does that.
type Forkers interface {
	StartIsolate(cfg *forker.IsolateConfig, timeout time.Duration) (string, forker.Result)
	StopIsolate(uid string) bool
	IsAlive(uid string) bool
	SetPlatformStopping()
}

// Notifier fires signals, as a signals.Sender does.
type Notifier interface {
	Fire(ctx context.Context, name string, content interface{}, t signals.Target) []string
}

// Composer is told about the isolates of the node.
type Composer interface {
	HandleIsolateReady(uid, name string)
	HandleLostIsolate(uid, name string)
	SetPlatformStopping()
}

// Monitor is the coordinator of a node.
type Monitor struct {
	uid       string
	node      string
	nodeName  string
	forkers   Forkers
	sender    Notifier
	composer  Composer
	publisher *events.Publisher
	status    *Status
	kinds     map[string]*forker.IsolateConfig
	autoRun   map[string]*forker.IsolateConfig
	timeout   time.Duration
	stopping  bool
	done      chan struct{}
	regs      []int
	recv      *signals.Receiver
	metrics   *metrics.Collector
	log       *zap.Logger
	mx        sync.Mutex
}

type Option func(*Monitor)

func WithLogger(zl *zap.Logger) Option {
	return func(m *Monitor) { m.log = zl }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = c }
}

// WithKinds sets the isolate templates of each kind.
func WithKinds(kinds map[string]*forker.IsolateConfig) Option {
	return func(m *Monitor) { m.kinds = kinds }
}

// WithPublisher mirrors the isolate lifecycle on NATS.
func WithPublisher(p *events.Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// WithStartTimeout bounds the wait for a forker to start an isolate.
func WithStartTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// NewMonitor returns the monitor of a node.  uid is the UID of the monitor
// process itself.
func NewMonitor(uid, node, nodeName string, forkers Forkers, sender Notifier, opts ...Option) *Monitor {
	m := &Monitor{
		uid:      uid,
		node:     node,
		nodeName: nodeName,
		forkers:  forkers,
		sender:   sender,
		autoRun:  make(map[string]*forker.IsolateConfig),
		timeout:  DefaultStartTimeout,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.kinds == nil {
		m.kinds = make(map[string]*forker.IsolateConfig)
	}
	m.status = NewStatus(m.metrics)
	return m
}

func (m *Monitor) lock() {
	m.mx.Lock()
}

func (m *Monitor) unlock() {
	m.mx.Unlock()
}

// SetComposer sets the composer told about the isolates of the node.
func (m *Monitor) SetComposer(c Composer) {
	m.lock()
	m.composer = c
	m.unlock()
}

func (m *Monitor) getComposer() Composer {
	m.lock()
	defer m.unlock()
	return m.composer
}

// Status returns the state tracker.
func (m *Monitor) Status() *Status {
	return m.status
}

func (m *Monitor) publish(kind, uid, name string) {
	ev := events.Event{Kind: kind, UID: uid, Name: name, Node: m.node}
	if err := m.publisher.Publish(ev); err != nil {
		m.log.Debug("Event not published", zap.String("kind", kind), zap.Error(err))
	}
}

// IsStopping reports whether the platform or the node is stopping.
func (m *Monitor) IsStopping() bool {
	m.lock()
	defer m.unlock()
	return m.stopping
}

// Done is closed once the monitor stopped the isolates after a stop order.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// start sends cfg to the forkers, tracking the isolate state.
func (m *Monitor) start(cfg *forker.IsolateConfig) error {
	if err := m.status.Add(cfg.UID, cfg.Name); err != nil {
		return err
	}
	uid, res := m.forkers.StartIsolate(cfg, m.timeout)
	if !res.Succeeded() {
		m.status.Transition(cfg.UID, Gone)
		m.log.Error("Failed to start isolate", zap.String("name", cfg.Name),
			zap.String("uid", cfg.UID), zap.Stringer("result", res))
		return fmt.Errorf("%w: %s (%s)", ErrStartFailed, cfg.Name, res)
	}
	m.status.Transition(uid, Starting)
	m.publish(events.IsolateStarting, uid, cfg.Name)
	m.log.Info("Isolate starting", zap.String("name", cfg.Name), zap.String("uid", uid),
		zap.String("kind", cfg.Kind))
	return nil
}

// config builds the configuration of an isolate from the template of its
// kind.  Unknown kinds get an empty template.
func (m *Monitor) config(name, kind string) *forker.IsolateConfig {
	var cfg *forker.IsolateConfig
	if tmpl, ok := m.kinds[kind]; ok {
		cfg = tmpl.Copy()
	} else {
		cfg = &forker.IsolateConfig{}
	}
	cfg.Name = name
	cfg.Kind = kind
	cfg.Node = m.node
	return cfg
}

// StartIsolate starts an isolate of the given kind on this node, with the
// bundles added to those of the kind template.  It is refused while
// stopping.
func (m *Monitor) StartIsolate(name, kind, language string, bundles []composer.Bundle) error {
	if name == "" {
		return cohorte.MissingField("name")
	}
	if m.IsStopping() {
		return cohorte.ErrPlatformStopping
	}
	cfg := m.config(name, kind)
	cfg.UID = cohorte.NewUID()
	if language != "" {
		cfg.Language = language
	}
	for _, b := range bundles {
		cfg.Bundles = append(cfg.Bundles, b.Name)
	}
	return m.start(cfg)
}

// StopIsolate asks the forkers to stop an isolate.
func (m *Monitor) StopIsolate(uid string) bool {
	if _, err := m.status.Transition(uid, Stopping); err != nil {
		m.log.Debug("Stopping an isolate in an unexpected state", zap.String("uid", uid),
			zap.Error(err))
	}
	return m.forkers.StopIsolate(uid)
}

// Ping reports whether the forkers know the isolate as alive.
func (m *Monitor) Ping(uid string) bool {
	return m.forkers.IsAlive(uid)
}

// StartAutoRun starts the isolates of the list meant for this node, and
// returns how many were started.
func (m *Monitor) StartAutoRun(isolates []AutoRun) int {
	n := 0
	for i := range isolates {
		ar := &isolates[i]
		if ar.Node != m.nodeName {
			continue
		}
		if ar.Name == "" {
			m.log.Warn("Refusing an auto-run isolate without name")
			continue
		}
		cfg := ar.IsolateConfig.Copy()
		cfg.UID = ar.CustomUID
		if cfg.UID == "" {
			cfg.UID = cohorte.NewUID()
		}
		if tmpl, ok := m.kinds[cfg.Kind]; ok {
			cfg = merge(tmpl, cfg)
		}
		cfg.Node = m.node
		if m.startAutoRun(cfg) {
			n++
		}
	}
	return n
}

func (m *Monitor) startAutoRun(cfg *forker.IsolateConfig) bool {
	if m.IsStopping() {
		return false
	}
	m.lock()
	m.autoRun[cfg.UID] = cfg
	m.unlock()
	m.log.Info("Starting auto-run isolate", zap.String("name", cfg.Name), zap.String("uid", cfg.UID))
	return m.start(cfg.Copy()) == nil
}

// merge lays cfg over the template of its kind.
func merge(tmpl, cfg *forker.IsolateConfig) *forker.IsolateConfig {
	rv := tmpl.Copy()
	rv.UID = cfg.UID
	rv.Name = cfg.Name
	rv.Kind = cfg.Kind
	if cfg.Language != "" {
		rv.Language = cfg.Language
	}
	rv.Arguments = append(rv.Arguments, cfg.Arguments...)
	rv.Bundles = append(rv.Bundles, cfg.Bundles...)
	if rv.Environment == nil {
		rv.Environment = make(map[string]interface{})
	}
	for k, v := range cfg.Environment {
		rv.Environment[k] = v
	}
	if rv.Properties == nil {
		rv.Properties = make(map[string]interface{})
	}
	for k, v := range cfg.Properties {
		rv.Properties[k] = v
	}
	return rv
}

// HandleLostIsolate is called when an isolate of this node died.
func (m *Monitor) HandleLostIsolate(uid, name string) {
	m.lost(uid)
}

// lost marks an isolate GONE.  Auto-run isolates are restarted, the
// others are left to the composer.
func (m *Monitor) lost(uid string) {
	st, ok := m.status.Get(uid)
	if !ok || st.State == Gone {
		m.log.Info("Unknown isolate lost, or already handled", zap.String("uid", uid))
		return
	}
	m.status.Transition(uid, Gone)
	if st.State == Stopping {
		m.log.Info("Isolate stopped", zap.String("uid", uid), zap.String("name", st.Name))
		m.publish(events.IsolateGone, uid, st.Name)
	} else {
		m.log.Error("Isolate lost", zap.String("uid", uid), zap.String("name", st.Name),
			zap.Stringer("state", st.State))
		m.publish(events.IsolateLost, uid, st.Name)
	}

	m.lock()
	cfg, auto := m.autoRun[uid]
	delete(m.autoRun, uid)
	stopping := m.stopping
	comp := m.composer
	m.unlock()

	switch {
	case stopping:
	case auto:
		m.log.Warn("Auto-run isolate lost, restarting it", zap.String("uid", uid),
			zap.String("name", st.Name))
		m.startAutoRun(cfg)
	case comp != nil:
		comp.HandleLostIsolate(uid, st.Name)
	}
}

func (m *Monitor) latch() bool {
	m.lock()
	defer m.unlock()
	if m.stopping {
		return false
	}
	m.stopping = true
	return true
}

func (m *Monitor) stopAll() {
	for _, uid := range m.status.Running() {
		m.StopIsolate(uid)
	}
	close(m.done)
}

// StopPlatform stops every isolate of the platform: forkers stop accepting
// orders, the other monitors are told, and the isolates of this monitor
// are stopped.
func (m *Monitor) StopPlatform() {
	if !m.latch() {
		return
	}
	m.log.Warn(">>> PLATFORM STOPPING <<<")
	m.publish(events.PlatformStopping, m.uid, cohorte.MonitorName)
	m.forkers.SetPlatformStopping()
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	m.sender.Fire(ctx, cohorte.SignalMonitorPlatformStopping, nil,
		signals.ToGroup(signals.GroupMonitors, m.uid))
	cancel()
	m.stopAll()
}

// StopNode stops the isolates of this node only.
func (m *Monitor) StopNode() {
	if !m.latch() {
		return
	}
	m.log.Warn(">>> NODE STOPPING <<<")
	m.publish(events.NodeStopping, m.uid, cohorte.MonitorName)
	m.forkers.SetPlatformStopping()
	if comp := m.getComposer(); comp != nil {
		comp.SetPlatformStopping()
	}
	m.stopAll()
}

// HandleSignal implements signals.Listener.
func (m *Monitor) HandleSignal(name string, msg *signals.Message) (interface{}, error) {
	switch name {
	case cohorte.SignalMonitorPlatformStopping:
		m.lock()
		m.stopping = true
		m.unlock()

	case cohorte.SignalMonitorStopPlatform:
		go m.StopPlatform()

	case cohorte.SignalMonitorStopNode:
		go m.StopNode()

	case cohorte.SignalIsolateReady:
		if _, err := m.status.Transition(msg.SenderUID, Running); err != nil {
			m.log.Debug("Ready signal ignored", zap.Error(err))
			break
		}
		m.publish(events.IsolateReady, msg.SenderUID, msg.SenderName)
		if comp := m.getComposer(); comp != nil {
			comp.HandleIsolateReady(msg.SenderUID, msg.SenderName)
		}

	case cohorte.SignalIsolateStopping:
		if _, err := m.status.Transition(msg.SenderUID, Stopping); err != nil {
			m.log.Debug("Stopping signal ignored", zap.Error(err))
			break
		}
		m.publish(events.IsolateStopping, msg.SenderUID, msg.SenderName)

	case cohorte.SignalIsolateLost:
		if msg.SenderNode != m.node {
			break
		}
		var uid string
		if err := msg.Decode(&uid); err != nil {
			return nil, err
		}
		m.lost(uid)
	}
	return nil, nil
}

// Listen registers the monitor on the receiver.
func (m *Monitor) Listen(r *signals.Receiver) {
	m.lock()
	defer m.unlock()
	m.recv = r
	m.regs = append(m.regs,
		r.Register(cohorte.SignalMonitorMatchAll, m),
		r.Register(cohorte.SignalIsolateReady, m),
		r.Register(cohorte.SignalIsolateStopping, m),
		r.Register(cohorte.SignalIsolateLost, m))
}

// Close unregisters the monitor and stops its auto-run isolates.
func (m *Monitor) Close() {
	m.lock()
	for _, id := range m.regs {
		m.recv.Unregister(id)
	}
	m.regs = nil
	var uids []string
	for uid := range m.autoRun {
		uids = append(uids, uid)
	}
	m.autoRun = make(map[string]*forker.IsolateConfig)
	m.unlock()
	for _, uid := range uids {
		m.StopIsolate(uid)
	}
}
