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

// Package aggregator discovers the forkers of the platform from their
// multicast heartbeats, expires the silent ones, and routes isolate orders
// to the forker of the right node.  It runs in monitors.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/forker"
	"github.com/cohorte/cohorte-runtime/metrics"
	"github.com/cohorte/cohorte-runtime/signals"
)

const (
	DefaultTTL          = 10 * time.Second
	DefaultTick         = time.Second
	DefaultStartTimeout = 10 * time.Second
	DefaultPingTimeout  = 2 * time.Second

	signalTimeout = 5 * time.Second
)

// ForkerListener is told when forkers appear and disappear.
type ForkerListener interface {
	ForkerReady(uid, node string)
	ForkerLost(uid, node string)
}

// ForkerInfo describes a known forker.
type ForkerInfo struct {
	UID      string    `json:"uid"`
	Node     string    `json:"node"`
	LastSeen time.Time `json:"lastSeen"`
}

// Aggregator tracks the forkers seen through heartbeats.  The last-seen
// times and the isolate to forker routes share one lock, so a sweep and a
// registration always see them consistently.
type Aggregator struct {
	dir    *signals.Directory
	sender *signals.Sender

	group       string
	port        int
	application string
	ttl         time.Duration
	tick        time.Duration
	now         func() time.Time

	lastSeen  map[string]time.Time
	routes    map[string]string
	listeners map[int]ForkerListener
	nextID    int
	regs      []int
	recv      *signals.Receiver

	receiver *Receiver
	events   *cohorte.Queue
	log      *zap.Logger
	metrics  *metrics.Collector

	started bool
	stop    chan struct{}
	done    chan struct{}
	mx      sync.Mutex

	// held while a forker is registered or unregistered
	forkerMx sync.Mutex
}

type Option func(*Aggregator)

func WithLogger(zl *zap.Logger) Option {
	return func(a *Aggregator) {
		a.log = zl
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(a *Aggregator) {
		a.metrics = c
	}
}

// WithGroup sets the heartbeat group and port, 239.0.0.1:42000 by default.
func WithGroup(group string, port int) Option {
	return func(a *Aggregator) {
		a.group = group
		a.port = port
	}
}

// WithApplication drops the heartbeats of other applications.
func WithApplication(id string) Option {
	return func(a *Aggregator) {
		a.application = id
	}
}

// WithTTL sets how long a forker may stay silent, 10s by default.
func WithTTL(d time.Duration) Option {
	return func(a *Aggregator) {
		a.ttl = d
	}
}

// WithTick sets the period of the expiry sweep, 1s by default.
func WithTick(d time.Duration) Option {
	return func(a *Aggregator) {
		a.tick = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

func (a *Aggregator) lock() {
	a.mx.Lock()
}

func (a *Aggregator) unlock() {
	a.mx.Unlock()
}

func (a *Aggregator) context(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// HandleHeartbeat records that the forker of hb is alive.  A forker seen
// for the first time is registered and contacted.
func (a *Aggregator) HandleHeartbeat(hb *Heartbeat, host string) {
	if hb.UID == "" || hb.Node == "" || hb.UID == a.dir.UID() {
		return
	}
	if a.application != "" && hb.Application != a.application {
		a.log.Debug("Heartbeat of another application", zap.String("uid", hb.UID),
			zap.String("application", hb.Application))
		return
	}
	a.forkerMx.Lock()
	defer a.forkerMx.Unlock()
	a.lock()
	_, known := a.lastSeen[hb.UID]
	a.lastSeen[hb.UID] = a.now()
	a.unlock()

	if !known {
		a.log.Debug("New forker", zap.String("uid", hb.UID), zap.String("node", hb.Node),
			zap.String("host", host), zap.Int("port", hb.Port))
		a.registerForker(hb.UID, hb.Node, host, hb.Port)
	}
}

func (a *Aggregator) registerForker(uid, node, host string, port int) {
	if node != a.dir.Node() {
		// Our own node must stay localhost.
		a.dir.SetNodeAddress(node, host)
	}
	registered, err := a.dir.RegisterIsolate(uid, cohorte.ForkerName, node, port, false)
	if err != nil {
		a.log.Error("Cannot register forker", zap.String("uid", uid), zap.Error(err))
		return
	}
	if registered {
		ctx, cancel := a.context(signalTimeout)
		a.sender.Fire(ctx, cohorte.SignalDirectorySynAck, nil, signals.ToIsolate(uid))
		a.sendContact(ctx, host, port)
		cancel()
	}
	a.metrics.ForkerRegistered()
	a.log.Info("Forker registered", zap.String("uid", uid), zap.String("node", node))
	a.notify(uid, node, true)
}

// sendContact asks the forker to grab our directory.
func (a *Aggregator) sendContact(ctx context.Context, host string, port int) {
	_, err := a.sender.SendTo(ctx, cohorte.SignalDirectoryContact,
		&signals.Contact{Port: a.dir.Port()}, signals.Access{Host: host, Port: port})
	if err != nil {
		a.log.Warn("No response to contact", zap.String("host", host), zap.Int("port", port),
			zap.Error(err))
	}
}

func (a *Aggregator) notify(uid, node string, ready bool) {
	a.lock()
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]ForkerListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, a.listeners[id])
	}
	a.unlock()
	if len(listeners) == 0 {
		return
	}
	a.events.Enqueue(func() {
		for _, l := range listeners {
			if ready {
				l.ForkerReady(uid, node)
			} else {
				l.ForkerLost(uid, node)
			}
		}
	})
}

func (a *Aggregator) AddListener(l ForkerListener) int {
	a.lock()
	defer a.unlock()
	a.nextID++
	a.listeners[a.nextID] = l
	return a.nextID
}

func (a *Aggregator) RemoveListener(id int) {
	a.lock()
	delete(a.listeners, id)
	a.unlock()
}

// Sweep unregisters every forker silent since at least the TTL, and
// returns their UIDs.
func (a *Aggregator) Sweep(now time.Time) []string {
	a.lock()
	var candidates []string
	for uid, seen := range a.lastSeen {
		if !now.Before(seen.Add(a.ttl)) {
			candidates = append(candidates, uid)
		}
	}
	a.unlock()
	sort.Strings(candidates)
	var expired []string
	for _, uid := range candidates {
		if a.expire(uid, now) {
			expired = append(expired, uid)
		}
	}
	return expired
}

// expire unregisters the forker if it is still silent at now.  A heartbeat
// received since the sweep started keeps it registered.
func (a *Aggregator) expire(uid string, now time.Time) bool {
	a.forkerMx.Lock()
	defer a.forkerMx.Unlock()
	a.lock()
	seen, ok := a.lastSeen[uid]
	a.unlock()
	if !ok || now.Before(seen.Add(a.ttl)) {
		return false
	}
	a.log.Info("Forker reached its TTL", zap.String("uid", uid))
	a.metrics.ForkerExpired()
	a.removeForker(uid)
	return true
}

// unregisterForker forgets a forker and the isolates it started, and tells
// everybody they are lost.
func (a *Aggregator) unregisterForker(uid string) {
	a.forkerMx.Lock()
	defer a.forkerMx.Unlock()
	a.removeForker(uid)
}

// removeForker does the work of unregisterForker, with forkerMx held.
func (a *Aggregator) removeForker(uid string) {
	node, _ := a.dir.GetIsolateNode(uid)
	if a.dir.UnregisterIsolate(uid) {
		a.notify(uid, node, false)
	}

	a.lock()
	delete(a.lastSeen, uid)
	var orphans []string
	for iso, fk := range a.routes {
		if fk == uid {
			orphans = append(orphans, iso)
			delete(a.routes, iso)
		}
	}
	a.unlock()
	sort.Strings(orphans)

	ctx, cancel := a.context(signalTimeout)
	defer cancel()
	for _, iso := range orphans {
		a.log.Debug("Forgetting isolate of lost forker", zap.String("uid", iso),
			zap.String("forker", uid))
		a.sender.Fire(ctx, cohorte.SignalIsolateStop, nil, signals.ToIsolate(iso))
		a.dir.UnregisterIsolate(iso)
	}
	for _, lost := range append([]string{uid}, orphans...) {
		a.sender.Fire(ctx, cohorte.SignalIsolateLost, lost, signals.ToGroup(signals.GroupAll))
	}
}

// Forkers lists the known forkers.
func (a *Aggregator) Forkers() []ForkerInfo {
	a.lock()
	rv := make([]ForkerInfo, 0, len(a.lastSeen))
	for uid, seen := range a.lastSeen {
		rv = append(rv, ForkerInfo{UID: uid, LastSeen: seen})
	}
	a.unlock()
	for i := range rv {
		rv[i].Node, _ = a.dir.GetIsolateNode(rv[i].UID)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].UID < rv[j].UID })
	return rv
}

// forkerFor returns the first forker of node, in UID order, or the first
// forker at all when node is empty.
func (a *Aggregator) forkerFor(node string) (string, bool) {
	for _, uid := range a.dir.GetNameUIDs(cohorte.ForkerName) {
		if uid == a.dir.UID() {
			continue
		}
		if node == "" {
			return uid, true
		}
		if n, _ := a.dir.GetIsolateNode(uid); n == node {
			return uid, true
		}
	}
	return "", false
}

// ForkerOf returns the forker that started uid.
func (a *Aggregator) ForkerOf(uid string) (string, bool) {
	a.lock()
	defer a.unlock()
	fk, ok := a.routes[uid]
	return fk, ok
}

// callForker sends an order and decodes the result code of the forker.
func (a *Aggregator) callForker(uid, name string, content interface{}, timeout time.Duration) forker.Result {
	ctx, cancel := a.context(timeout)
	defer cancel()
	results, err := a.sender.Call(ctx, name, content, uid)
	switch {
	case errors.Is(err, signals.ErrTimeout):
		a.log.Error("Forker timed out", zap.String("forker", uid), zap.String("signal", name))
		return forker.RequestTimeout
	case err != nil:
		a.log.Warn("No access to the forker", zap.String("forker", uid), zap.Error(err))
		return forker.RequestError
	case len(results) == 0:
		return forker.RequestNoResult
	}
	var code int
	if err := json.Unmarshal(results[0], &code); err != nil {
		return forker.RequestNoResult
	}
	return forker.Result(code)
}

// StartIsolate asks the forker of cfg.Node, or any forker when cfg has no
// node, to start the isolate.  A zero timeout waits 10s.
func (a *Aggregator) StartIsolate(cfg *forker.IsolateConfig, timeout time.Duration) (string, forker.Result) {
	if cfg == nil || cfg.Name == "" {
		return "", forker.InvalidParameter
	}
	cfg = cfg.Copy()
	if cfg.UID == "" {
		cfg.UID = cohorte.NewUID()
	}
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	fk, ok := a.forkerFor(cfg.Node)
	if !ok {
		a.log.Warn("No forker for node", zap.String("node", cfg.Node), zap.String("uid", cfg.UID))
		return cfg.UID, forker.RequestNoMatchingForker
	}
	res := a.callForker(fk, cohorte.SignalForkerStart, cfg, timeout)
	if res.Succeeded() {
		a.lock()
		a.routes[cfg.UID] = fk
		a.unlock()
	}
	a.log.Info("Isolate start requested", zap.String("uid", cfg.UID),
		zap.String("forker", fk), zap.Stringer("result", res))
	return cfg.UID, res
}

// IsAlive asks the forker of uid whether its process runs.
func (a *Aggregator) IsAlive(uid string) bool {
	fk, ok := a.ForkerOf(uid)
	if !ok {
		a.log.Error("No forker to ping isolate", zap.String("uid", uid))
		return false
	}
	return a.callForker(fk, cohorte.SignalForkerPing, &forker.Order{UID: uid},
		DefaultPingTimeout) == forker.Result(forker.Alive)
}

// StopIsolate asks the forker of uid to stop it.  Without a forker, or if
// the forker cannot be reached, the isolate itself is told to stop and
// false is returned.
func (a *Aggregator) StopIsolate(uid string) bool {
	ctx, cancel := a.context(signalTimeout)
	defer cancel()
	fk, ok := a.ForkerOf(uid)
	if ok {
		reached := a.sender.Fire(ctx, cohorte.SignalForkerStop, &forker.Order{UID: uid},
			signals.ToIsolate(fk))
		if len(reached) > 0 {
			a.lock()
			delete(a.routes, uid)
			a.unlock()
			return true
		}
		a.log.Warn("Forker did not receive the stop order", zap.String("forker", fk),
			zap.String("uid", uid))
	} else {
		a.log.Warn("No forker associated to isolate", zap.String("uid", uid))
	}
	a.sender.Fire(ctx, cohorte.SignalIsolateStop, nil, signals.ToIsolate(uid))
	return false
}

// SetPlatformStopping tells every forker that the platform is stopping.
func (a *Aggregator) SetPlatformStopping() {
	ctx, cancel := a.context(signalTimeout)
	defer cancel()
	a.sender.Fire(ctx, cohorte.SignalForkerPlatformStopping, nil,
		signals.ToGroup(signals.GroupForkers))
}

// HandleSignal follows the forkers that stop and the isolates they lose.
func (a *Aggregator) HandleSignal(name string, msg *signals.Message) (interface{}, error) {
	switch name {
	case cohorte.SignalForkerStopping:
		var n forker.StoppingNotice
		if err := msg.Decode(&n); err != nil {
			return nil, err
		}
		a.lock()
		_, known := a.lastSeen[n.UID]
		for _, iso := range n.Isolates {
			delete(a.routes, iso)
		}
		a.unlock()
		if known {
			a.log.Info("Forker is stopping", zap.String("uid", n.UID))
			a.unregisterForker(n.UID)
		}

	case cohorte.SignalIsolateLost:
		var uid string
		if err := msg.Decode(&uid); err != nil {
			return nil, err
		}
		a.lock()
		delete(a.routes, uid)
		a.unlock()
	}
	return nil, nil
}

// Start listens to heartbeats and to the forker signals of r, and starts
// the expiry sweep.
func (a *Aggregator) Start(r *signals.Receiver) error {
	a.lock()
	if a.started {
		a.unlock()
		return nil
	}
	a.started = true
	a.unlock()

	rcv, err := Listen(a.group, a.port, a.HandleHeartbeat, a.log, a.metrics)
	if err != nil {
		a.lock()
		a.started = false
		a.unlock()
		return err
	}
	a.receiver = rcv
	if r != nil {
		a.recv = r
		a.regs = append(a.regs,
			r.Register(cohorte.SignalForkerStopping, a),
			r.Register(cohorte.SignalIsolateLost, a))
	}
	go a.sweepLoop()
	return nil
}

// HeartbeatPort is the port the heartbeats are read from, once started.
func (a *Aggregator) HeartbeatPort() int {
	if a.receiver == nil {
		return 0
	}
	return a.receiver.Port()
}

func (a *Aggregator) sweepOnce() {
	defer func() {
		if x := recover(); x != nil {
			a.log.Error("Forker sweep panicked", zap.Any("panic", x))
		}
	}()
	a.Sweep(a.now())
}

func (a *Aggregator) sweepLoop() {
	defer close(a.done)
	tick := time.NewTicker(a.tick)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			a.sweepOnce()
		case <-a.stop:
			return
		}
	}
}

// Close stops listening and unregisters every known forker.
func (a *Aggregator) Close() {
	a.lock()
	started := a.started
	a.started = false
	a.unlock()
	if started {
		a.receiver.Close()
		close(a.stop)
		<-a.done
		if a.recv != nil {
			for _, id := range a.regs {
				a.recv.Unregister(id)
			}
		}
	}
	for _, fk := range a.Forkers() {
		a.unregisterForker(fk.UID)
	}
	a.events.Close()
}

// NewAggregator returns an aggregator registering forkers in dir.  Start
// begins the discovery.
func NewAggregator(dir *signals.Directory, sender *signals.Sender, opts ...Option) *Aggregator {
	a := &Aggregator{
		dir:       dir,
		sender:    sender,
		group:     DefaultGroup,
		port:      DefaultPort,
		ttl:       DefaultTTL,
		tick:      DefaultTick,
		now:       time.Now,
		lastSeen:  make(map[string]time.Time),
		routes:    make(map[string]string),
		listeners: make(map[int]ForkerListener),
		log:       zap.NewNop(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.events = cohorte.NewQueue("forker-events", a.log)
	return a
}
