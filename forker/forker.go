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

package forker

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/metrics"
	"github.com/cohorte/cohorte-runtime/signals"
)

const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 3 * time.Second

	closeParallel    = 5
	closeStopTimeout = 5 * time.Second
	closeJoinTimeout = 2 * time.Second
	signalTimeout    = 5 * time.Second

	// keptLogs bounds the logs of isolates that are gone.
	keptLogs = 64
)

// Notifier delivers signals to the peers of the forker.  signals.Sender
// implements it.
type Notifier interface {
	Fire(ctx context.Context, name string, content interface{}, t signals.Target) []string
}

type nopNotifier struct{}

func (nopNotifier) Fire(context.Context, string, interface{}, signals.Target) []string {
	return nil
}

// LostListener is told about isolates that died without being stopped by
// the forker.
type LostListener interface {
	HandleLostIsolate(uid, name string)
}

// LostFunc adapts a function to LostListener.
type LostFunc func(uid, name string)

func (f LostFunc) HandleLostIsolate(uid, name string) {
	f(uid, name)
}

// HealthCheck tells whether a running isolate still responds.  It may
// return Stuck.
type HealthCheck func(uid string) Ping

// IsolateInfo describes a supervised isolate.
type IsolateInfo struct {
	UID     string    `json:"uid"`
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	Node    string    `json:"node"`
	PID     int       `json:"pid"`
	Dir     string    `json:"dir"`
	Started time.Time `json:"started"`
	State   State     `json:"state,omitempty"`
}

// StoppingNotice is the content of the forker stopping signal.
type StoppingNotice struct {
	UID      string   `json:"uid"`
	Node     string   `json:"node"`
	Isolates []string `json:"isolates"`
}

// Forker starts and supervises the isolates of its node.
type Forker struct {
	uid       string
	node      string
	nodeName  string
	home      string
	base      string
	accessURL string

	dir       *signals.Directory
	notifier  Notifier
	broker    ConfigBroker
	states    *StateDirectory
	starters  map[string]*Starter
	health    HealthCheck
	isolates  map[string]*isolate
	reserved  map[string]bool
	logs      map[string]*cohorte.Log
	logOrder  []string
	listeners map[int]LostListener
	nextID    int
	events    *cohorte.Queue
	log       *zap.Logger
	flog      *cohorte.Log
	metrics   *metrics.Collector

	startTimeout time.Duration
	stopTimeout  time.Duration

	stopping bool
	closed   bool
	closing  chan struct{}
	watchers sync.WaitGroup

	serial int64
	cvs    map[*sync.Cond]bool
	wdMx   sync.Mutex
	mx     sync.Mutex
}

type Option func(*Forker)

func WithLogger(zl *zap.Logger) Option {
	return func(f *Forker) {
		f.log = zl
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(f *Forker) {
		f.metrics = c
	}
}

// WithBroker sets the configuration broker.  Without one, isolates get no
// --configuration-broker argument.
func WithBroker(b ConfigBroker) Option {
	return func(f *Forker) {
		f.broker = b
	}
}

// WithStarter adds, or replaces, the starter of a kind.
func WithStarter(st *Starter) Option {
	return func(f *Forker) {
		f.starters[st.Kind] = st
	}
}

func WithStartTimeout(d time.Duration) Option {
	return func(f *Forker) {
		f.startTimeout = d
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(f *Forker) {
		f.stopTimeout = d
	}
}

func WithHealthCheck(h HealthCheck) Option {
	return func(f *Forker) {
		f.health = h
	}
}

// WithAccessURL sets the root URL of the HTTP server the forker Routes are
// installed on.  Isolates get their state updater URL from it.
func WithAccessURL(url string) Option {
	return func(f *Forker) {
		f.accessURL = strings.TrimRight(url, "/")
	}
}

// WithDirectories sets the home and base directories.  Working directories
// are created below base.
func WithDirectories(home, base string) Option {
	return func(f *Forker) {
		f.home = home
		f.base = base
	}
}

func WithNodeName(name string) Option {
	return func(f *Forker) {
		f.nodeName = name
	}
}

func (f *Forker) lock() {
	f.mx.Lock()
}

func (f *Forker) unlock() {
	f.mx.Unlock()
}

// bumpSerial records a change of the isolate list and wakes up watchers.
// Call with lock held.
func (f *Forker) bumpSerial() {
	f.serial++
	for cv := range f.cvs {
		cv.Broadcast()
	}
}

// Serial changes every time an isolate is added or removed.
func (f *Forker) Serial() int64 {
	f.lock()
	defer f.unlock()
	return f.serial
}

// WatchIsolates waits until the serial differs from old, or until expire
// has elapsed, and returns the current serial.  A zero expire polls.
func (f *Forker) WatchIsolates(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&f.mx)
	var timer *time.Timer

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			f.lock()
			expired = true
			cv.Broadcast()
			f.unlock()
		})
	} else {
		expired = true
	}

	f.lock()
	f.cvs[cv] = true
	for f.serial == old && !expired {
		cv.Wait()
	}
	delete(f.cvs, cv)
	rv := f.serial
	f.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

func (f *Forker) UID() string      { return f.uid }
func (f *Forker) Node() string     { return f.node }
func (f *Forker) NodeName() string { return f.nodeName }

// Log returns the log shared by every isolate of the forker.
func (f *Forker) Log() *cohorte.Log {
	return f.flog
}

// Routes installs the state updater, and the broker download handler if
// the broker has one.
func (f *Forker) Routes(r *mux.Router) {
	f.states.Routes(r)
	if rb, ok := f.broker.(interface{ Routes(*mux.Router) }); ok {
		rb.Routes(r)
	}
}

// States gives access to the state directory, mostly for tests.
func (f *Forker) States() *StateDirectory {
	return f.states
}

// StartIsolate starts an isolate and, unless its starter is detached,
// waits for it to report being loaded.  The UID, generated if cfg has
// none, is returned along with the result.
func (f *Forker) StartIsolate(cfg *IsolateConfig) (string, Result) {
	begin := time.Now()
	uid, res := f.startIsolate(cfg)
	f.metrics.IsolateStarted(res.String(), time.Since(begin))
	return uid, res
}

func (f *Forker) startIsolate(cfg *IsolateConfig) (string, Result) {
	if cfg == nil || cfg.Name == "" {
		f.log.Error("Isolate configuration without name")
		return "", InvalidParameter
	}
	cfg = cfg.Copy()
	if cfg.UID == "" {
		cfg.UID = cohorte.NewUID()
	}
	if cfg.Kind == "" {
		cfg.Kind = DefaultKind
	}
	if cfg.Node == "" {
		cfg.Node = f.node
	}
	uid := cfg.UID
	zuid := zap.String("uid", uid)

	f.lock()
	if f.stopping || f.closed {
		f.unlock()
		f.log.Warn("Platform is stopping, isolate not started", zuid)
		return uid, Unavailable
	}
	if iso, ok := f.isolates[uid]; (ok && !iso.hasExited()) || f.reserved[uid] {
		f.unlock()
		f.log.Warn("Isolate already running", zuid)
		return uid, AlreadyRunning
	}
	starter, ok := f.starters[cfg.Kind]
	if !ok {
		f.unlock()
		f.log.Error("No starter for isolate kind", zuid, zap.String("kind", cfg.Kind))
		return uid, InvalidParameter
	}
	f.reserved[uid] = true
	f.unlock()
	defer func() {
		f.lock()
		delete(f.reserved, uid)
		f.unlock()
	}()

	f.wdMx.Lock()
	wd, err := makeWorkingDirectory(f.base, cfg.Name, uid)
	f.wdMx.Unlock()
	if err != nil {
		f.log.Error("Cannot create working directory", zuid, zap.Error(err))
		return uid, RunnerException
	}

	sp := &spawn{
		uid:      uid,
		name:     cfg.Name,
		node:     f.node,
		nodeName: f.nodeName,
		home:     f.home,
		base:     f.base,
		dir:      wd,
		config:   cfg,
	}
	if f.accessURL != "" && !starter.Detached {
		sp.stateURL = f.accessURL + StateUpdaterPath + "/" + uid
	}

	f.states.Prepare(uid)
	cleanup := func() {
		f.states.Clear(uid)
		if f.broker != nil {
			if err := f.broker.DeleteConfiguration(uid); err != nil {
				f.log.Warn("Cannot delete configuration", zuid, zap.Error(err))
			}
		}
	}
	if f.broker != nil {
		if sp.brokerURL, err = f.broker.StoreConfiguration(uid, cfg); err != nil {
			f.log.Error("Cannot store configuration", zuid, zap.Error(err))
			f.states.Clear(uid)
			return uid, RunnerException
		}
	}

	cmd, err := starter.command(sp)
	if err != nil {
		f.log.Error("Bad starter", zuid, zap.Error(err))
		cleanup()
		return uid, InvalidParameter
	}
	iso := &isolate{
		uid:      uid,
		name:     cfg.Name,
		kind:     cfg.Kind,
		config:   cfg,
		dir:      wd,
		cmd:      cmd,
		stopTime: starter.StopTime,
		exited:   make(chan struct{}),
	}
	if err := f.spawn(iso); err != nil {
		f.log.Error("Cannot start isolate", zuid, zap.String("name", cfg.Name),
			zap.Error(err))
		cleanup()
		f.metrics.IsolateTransition("REQUESTED", "GONE")
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return uid, InvalidParameter
		}
		return uid, RunnerException
	}
	f.metrics.IsolateTransition("REQUESTED", "STARTING")
	f.log.Info("Isolate started", zuid, zap.String("name", cfg.Name),
		zap.Int("pid", iso.pid()), zap.String("dir", wd))

	if starter.Detached {
		f.metrics.IsolateTransition("STARTING", "RUNNING")
		return uid, Success
	}

	state, err := f.states.WaitFor(uid, f.startTimeout, iso.exited)
	if err != nil || state == StateFailed {
		f.log.Error("Isolate did not load", zuid, zap.String("state", string(state)),
			zap.Error(err))
		f.stop(uid, 0, false)
		return uid, RunnerException
	}
	f.metrics.IsolateTransition("STARTING", "RUNNING")
	return uid, Success
}

// spawn starts the process with stdout and stderr merged, and the
// watchers.
func (f *Forker) spawn(iso *isolate) error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	iso.cmd.Stdout = w
	iso.cmd.Stderr = w
	stdin, err := iso.cmd.StdinPipe()
	if err != nil {
		r.Close()
		w.Close()
		return err
	}
	iso.stdin = stdin
	err = iso.cmd.Start()
	w.Close()
	if err != nil {
		r.Close()
		return err
	}
	iso.started = time.Now()
	iso.log = cohorte.NewLog(iso.uid)
	iso.mlog = cohorte.NewMultiLogger(iso.uid, f.log.Named("isolate"), iso.log, f.flog)

	f.lock()
	f.isolates[iso.uid] = iso
	f.keepLog(iso.uid, iso.log)
	f.bumpSerial()
	n := len(f.isolates)
	f.watchers.Add(1)
	f.unlock()
	f.metrics.IsolatesRunning(n)

	go iso.doWait()
	go f.doLog(iso, r)
	go f.watchExit(iso)
	return nil
}

// keepLog must be called with the lock held.
func (f *Forker) keepLog(uid string, log *cohorte.Log) {
	f.logs[uid] = log
	f.logOrder = append(f.logOrder, uid)
	for len(f.logOrder) > keptLogs {
		old := f.logOrder[0]
		if _, running := f.isolates[old]; running {
			break
		}
		delete(f.logs, old)
		f.logOrder = f.logOrder[1:]
	}
}

func (f *Forker) fire(name string, content interface{}, t signals.Target) []string {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	return f.notifier.Fire(ctx, name, content, t)
}

// doLog reads the isolate output.  Status reports go to the monitors,
// everything else to the logs.
func (f *Forker) doLog(iso *isolate, r io.ReadCloser) {
	defer r.Close()
	readLines(r, func(line string) {
		if st, ok := parseStatus(line); ok {
			if st.UID == "" {
				st.UID = iso.uid
			}
			f.fire(cohorte.SignalIsolateStatus, st, signals.ToGroup(signals.GroupMonitors))
			return
		}
		iso.mlog.Print(line)
	})
}

// watchExit handles the death of an isolate the forker did not stop.  It
// gives up when the forker closes.
func (f *Forker) watchExit(iso *isolate) {
	defer f.watchers.Done()
	select {
	case <-iso.exited:
	case <-f.closing:
		return
	}

	f.lock()
	if f.isolates[iso.uid] != iso || iso.stopping {
		f.unlock()
		return
	}
	delete(f.isolates, iso.uid)
	f.bumpSerial()
	n := len(f.isolates)
	stopping := f.stopping
	f.unlock()

	f.log.Warn("Isolate lost", zap.String("uid", iso.uid), zap.String("name", iso.name),
		zap.Error(iso.err))
	f.forget(iso.uid)
	f.metrics.IsolateLost()
	f.metrics.IsolatesRunning(n)
	f.metrics.IsolateTransition("RUNNING", "GONE")

	if !stopping {
		f.fire(cohorte.SignalIsolateLost, iso.uid,
			signals.ToGroup(signals.GroupOthers, iso.uid))
	}
	f.notifyLost(iso.uid, iso.name)
}

// forget drops everything known about a gone isolate, but its log.
func (f *Forker) forget(uid string) {
	f.states.Clear(uid)
	if f.broker != nil {
		if err := f.broker.DeleteConfiguration(uid); err != nil {
			f.log.Warn("Cannot delete configuration", zap.String("uid", uid), zap.Error(err))
		}
	}
	f.dir.UnregisterIsolate(uid)
}

func (f *Forker) notifyLost(uid, name string) {
	f.lock()
	ids := make([]int, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]LostListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, f.listeners[id])
	}
	f.unlock()
	f.events.Enqueue(func() {
		for _, l := range listeners {
			l.HandleLostIsolate(uid, name)
		}
	})
}

// AddLostListener registers l and returns its handle.
func (f *Forker) AddLostListener(l LostListener) int {
	f.lock()
	defer f.unlock()
	f.nextID++
	f.listeners[f.nextID] = l
	return f.nextID
}

func (f *Forker) RemoveLostListener(id int) {
	f.lock()
	delete(f.listeners, id)
	f.unlock()
}

// Ping reports whether the process of uid is running.
func (f *Forker) Ping(uid string) Ping {
	f.lock()
	iso, ok := f.isolates[uid]
	f.unlock()
	if !ok || iso.hasExited() {
		return Dead
	}
	if f.health != nil {
		return f.health(uid)
	}
	return Alive
}

// StopIsolate asks the isolate to stop, and kills it if it is still
// running after timeout.  A zero timeout uses the stop time of its
// starter, or the forker default.
func (f *Forker) StopIsolate(uid string, timeout time.Duration) error {
	return f.stop(uid, timeout, true)
}

func (f *Forker) stop(uid string, timeout time.Duration, broadcast bool) error {
	f.lock()
	iso, ok := f.isolates[uid]
	if !ok {
		f.unlock()
		return cohorte.ErrUnknownIsolate
	}
	iso.stopping = true
	delete(f.isolates, uid)
	f.bumpSerial()
	n := len(f.isolates)
	stopping := f.stopping
	f.unlock()

	if timeout <= 0 {
		timeout = iso.stopTime
	}
	if timeout <= 0 {
		timeout = f.stopTimeout
	}
	zuid := zap.String("uid", uid)
	f.log.Info("Stopping isolate", zuid, zap.String("name", iso.name))
	f.metrics.IsolateTransition("RUNNING", "STOPPING")

	if !iso.hasExited() {
		reached := f.fire(cohorte.SignalIsolateStop, nil, signals.ToIsolate(uid))
		if len(reached) == 0 {
			if err := iso.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				f.log.Warn("Failed sending SIGTERM", zuid, zap.Error(err))
			}
		}
		timer := time.NewTimer(timeout)
		select {
		case <-iso.exited:
		case <-timer.C:
			f.log.Warn("Graceful shutdown timed out, killing isolate", zuid)
			if err := iso.cmd.Process.Kill(); err != nil {
				f.log.Warn("Failed killing", zuid, zap.Error(err))
			}
			<-iso.exited
		}
		timer.Stop()
	}
	iso.stdin.Close()

	f.forget(uid)
	f.metrics.IsolatesRunning(n)
	f.metrics.IsolateTransition("STOPPING", "GONE")
	if broadcast && !stopping {
		f.fire(cohorte.SignalIsolateLost, uid, signals.ToGroup(signals.GroupAll, uid))
	}
	return nil
}

// SetPlatformStopping refuses every later start.  There is no way back.
func (f *Forker) SetPlatformStopping() {
	f.lock()
	already := f.stopping
	f.stopping = true
	f.unlock()
	if !already {
		f.log.Info("Platform is stopping")
	}
}

func (f *Forker) IsPlatformStopping() bool {
	f.lock()
	defer f.unlock()
	return f.stopping
}

// IsAlive reports whether the forker still accepts isolates.
func (f *Forker) IsAlive() bool {
	f.lock()
	defer f.unlock()
	return !f.stopping && !f.closed
}

func (f *Forker) info(iso *isolate) IsolateInfo {
	state, _ := f.states.Get(iso.uid)
	return IsolateInfo{
		UID:     iso.uid,
		Name:    iso.name,
		Kind:    iso.kind,
		Node:    f.node,
		PID:     iso.pid(),
		Dir:     iso.dir,
		Started: iso.started,
		State:   state,
	}
}

// Isolates lists the running isolates, by UID.
func (f *Forker) Isolates() ([]IsolateInfo, int64) {
	f.lock()
	isos := make([]*isolate, 0, len(f.isolates))
	for _, iso := range f.isolates {
		isos = append(isos, iso)
	}
	serial := f.serial
	f.unlock()

	rv := make([]IsolateInfo, 0, len(isos))
	for _, iso := range isos {
		rv = append(rv, f.info(iso))
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].UID < rv[j].UID })
	return rv, serial
}

// Isolate describes one running isolate.
func (f *Forker) Isolate(uid string) (*IsolateInfo, bool) {
	f.lock()
	iso, ok := f.isolates[uid]
	f.unlock()
	if !ok {
		return nil, false
	}
	info := f.info(iso)
	return &info, true
}

// IsolateLog returns the log of a running or recently gone isolate.
func (f *Forker) IsolateLog(uid string) (*cohorte.Log, error) {
	f.lock()
	defer f.unlock()
	if log, ok := f.logs[uid]; ok {
		return log, nil
	}
	return nil, cohorte.ErrUnknownIsolate
}

// Close stops every isolate and the watchers.  It tells the other peers
// first, so they do not mistake the stops for crashes.
func (f *Forker) Close() {
	f.lock()
	if f.closed {
		f.unlock()
		return
	}
	f.closed = true
	close(f.closing)
	uids := make([]string, 0, len(f.isolates))
	for uid := range f.isolates {
		uids = append(uids, uid)
	}
	f.unlock()
	sort.Strings(uids)

	f.fire(cohorte.SignalForkerStopping,
		&StoppingNotice{UID: f.uid, Node: f.node, Isolates: uids},
		signals.ToGroup(signals.GroupOthers))

	sem := make(chan struct{}, closeParallel)
	var wg sync.WaitGroup
	for _, uid := range uids {
		wg.Add(1)
		sem <- struct{}{}
		go func(uid string) {
			defer wg.Done()
			defer func() { <-sem }()
			f.stop(uid, closeStopTimeout, true)
		}(uid)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		f.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeJoinTimeout):
		f.log.Warn("Isolate watchers did not exit in time")
	}
	f.events.Close()
	f.log.Info("Forker closed", zap.String("uid", f.uid))
}

// NewForker returns a forker for the process described by dir.  Signals
// are sent through n, which may be nil.
func NewForker(dir *signals.Directory, n Notifier, opts ...Option) *Forker {
	if n == nil {
		n = nopNotifier{}
	}
	f := &Forker{
		uid:          dir.UID(),
		node:         dir.Node(),
		nodeName:     dir.Node(),
		home:         os.Getenv(cohorte.EnvHome),
		base:         os.Getenv(cohorte.EnvBase),
		dir:          dir,
		notifier:     n,
		states:       NewStateDirectory(),
		starters:     make(map[string]*Starter),
		isolates:     make(map[string]*isolate),
		reserved:     make(map[string]bool),
		logs:         make(map[string]*cohorte.Log),
		listeners:    make(map[int]LostListener),
		log:          zap.NewNop(),
		flog:         cohorte.NewLog(dir.UID()),
		startTimeout: DefaultStartTimeout,
		stopTimeout:  DefaultStopTimeout,
		closing:      make(chan struct{}),
		serial:       time.Now().UnixNano(),
		cvs:          make(map[*sync.Cond]bool),
	}
	for _, o := range opts {
		o(f)
	}
	if f.home == "" {
		f.home = "."
	}
	if f.base == "" {
		f.base = f.home
	}
	f.events = cohorte.NewQueue("forker-lost", f.log)
	return f
}
