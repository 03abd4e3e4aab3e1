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


package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/aggregator"
	"github.com/cohorte/cohorte-runtime/composer"
	"github.com/cohorte/cohorte-runtime/events"
	"github.com/cohorte/cohorte-runtime/forker"
	"github.com/cohorte/cohorte-runtime/metrics"
	"github.com/cohorte/cohorte-runtime/monitor"
	"github.com/cohorte/cohorte-runtime/rest"
	"github.com/cohorte/cohorte-runtime/signals"
)

const shutdownTimeout = 5 * time.Second

// stack is the signal plumbing of one process: its directory, and the
// receiver served on its own listener.
type stack struct {
	dir     *signals.Directory
	recv    *signals.Receiver
	sender  *signals.Sender
	updater *signals.Updater
	lis     net.Listener
	srv     *http.Server
	log     *zap.Logger
}

func newStack(cfg *config, uid, name, addr string, zl *zap.Logger, mc *metrics.Collector) (*stack, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	st := &stack{lis: lis, log: zl}
	st.dir = signals.NewDirectory(uid, name, cfg.nodeUID, signals.WithDirectoryLogger(zl))
	st.dir.SetNodeName(cfg.nodeUID, cfg.nodeName)
	st.dir.SetLocalPort(st.port())
	st.recv = signals.NewReceiver(signals.WithReceiverLogger(zl),
		signals.WithReceiverMetrics(mc))
	tr := signals.NewTransport(
		signals.WithLocalReceiver(st.recv),
		signals.WithReadTimeout(cfg.readTimeout),
		signals.WithTransportLogger(zl),
		signals.WithTransportMetrics(mc))
	st.sender = signals.NewSender(st.dir, tr, zl)
	st.updater = signals.NewUpdater(st.dir, st.recv, st.sender, zl)
	st.updater.Start()
	return st, nil
}

func (st *stack) port() int {
	return st.lis.Addr().(*net.TCPAddr).Port
}

func (st *stack) serve(h http.Handler) {
	st.srv = &http.Server{Handler: h}
	go func() {
		if err := st.srv.Serve(st.lis); err != nil && err != http.ErrServerClosed {
			st.log.Error("HTTP server failed", zap.Error(err))
		}
	}()
	st.log.Info("Listening", zap.Stringer("addr", st.lis.Addr()))
}

func (st *stack) close() {
	st.updater.Stop()
	if st.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		st.srv.Shutdown(ctx)
		cancel()
	} else {
		st.lis.Close()
	}
	st.dir.Close()
}

// loadStarters reads every JSON starter of dir.  Unreadable files are
// logged and skipped.
func loadStarters(dir string, zl *zap.Logger) []*forker.Starter {
	if dir == "" {
		return nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		zl.Error("Cannot scan starters", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	sort.Strings(files)
	var starters []*forker.Starter
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			zl.Warn("Cannot open starter", zap.String("file", name), zap.Error(err))
			continue
		}
		st, err := forker.NewStarterFromJson(f)
		f.Close()
		if err != nil {
			zl.Warn("Cannot load starter", zap.String("file", name), zap.Error(err))
			continue
		}
		starters = append(starters, st)
	}
	return starters
}

type forkerNode struct {
	st     *stack
	f      *forker.Forker
	broker *forker.BadgerBroker
	beacon *aggregator.Beacon
}

func startForker(cfg *config, zl *zap.Logger, mc *metrics.Collector, pub *events.Publisher) (*forkerNode, error) {
	st, err := newStack(cfg, cfg.uid, cohorte.ForkerName, cfg.httpAddr, zl, mc)
	if err != nil {
		return nil, err
	}
	fn := &forkerNode{st: st}
	if fn.broker, err = forker.NewBadgerBroker(cfg.brokerPath); err != nil {
		st.close()
		return nil, fmt.Errorf("configuration broker: %w", err)
	}
	access := fmt.Sprintf("http://localhost:%d", st.port())
	fn.broker.SetBaseURL(access)

	opts := []forker.Option{
		forker.WithLogger(zl),
		forker.WithMetrics(mc),
		forker.WithBroker(fn.broker),
		forker.WithAccessURL(access),
		forker.WithDirectories(cfg.home, cfg.base),
		forker.WithNodeName(cfg.nodeName),
		forker.WithStartTimeout(cfg.startTimeout),
		forker.WithStopTimeout(cfg.stopTimeout),
	}
	if len(cfg.bootCommand) > 0 {
		opts = append(opts, forker.WithStarter(
			forker.NewStarter(forker.DefaultKind, cfg.bootCommand...)))
	}
	for _, s := range loadStarters(cfg.startersDir, zl) {
		opts = append(opts, forker.WithStarter(s))
	}
	fn.f = forker.NewForker(st.dir, st.sender, opts...)
	fn.f.Listen(st.recv)
	fn.f.AddLostListener(events.NewBridge(pub, cfg.nodeUID, zl))

	h := rest.NewHandler(fn.f, st.dir, rest.WithLogger(zl), rest.WithMetrics(mc))
	st.recv.Routes(h.Router())
	fn.f.Routes(h.Router())
	st.serve(h)

	hb := &aggregator.Heartbeat{
		Port:        st.port(),
		Application: cfg.appID,
		UID:         cfg.uid,
		Node:        cfg.nodeUID,
	}
	if fn.beacon, err = aggregator.NewBeacon(cfg.group, cfg.port, hb, cfg.interval, zl); err != nil {
		fn.close()
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	fn.beacon.Start()
	zl.Info("Forker started", zap.String("uid", cfg.uid), zap.String("node", cfg.nodeUID),
		zap.String("nodeName", cfg.nodeName))
	return fn, nil
}

func (fn *forkerNode) close() {
	if fn.beacon != nil {
		fn.beacon.Close()
	}
	if fn.f != nil {
		fn.f.Close()
	}
	fn.st.close()
	fn.broker.Close()
}

// bootstrap starts the auto-run isolates and the node composition once a
// forker of the node is known.
type bootstrap struct {
	node  string
	once  sync.Once
	start func()
}

func (b *bootstrap) ForkerReady(uid, node string) {
	if node == b.node {
		b.once.Do(func() { go b.start() })
	}
}

func (b *bootstrap) ForkerLost(uid, node string) {}

type monitorNode struct {
	st   *stack
	agg  *aggregator.Aggregator
	mon  *monitor.Monitor
	comp *composer.Composer
}

func startMonitor(cfg *config, uid string, zl *zap.Logger, mc *metrics.Collector, pub *events.Publisher) (*monitorNode, error) {
	kinds, err := monitor.LoadKinds(cfg.kinds)
	if err != nil {
		return nil, fmt.Errorf("kinds: %w", err)
	}
	autoRun, err := monitor.LoadAutoRun(cfg.autoRun)
	if err != nil {
		return nil, fmt.Errorf("auto-run: %w", err)
	}
	composition, err := composer.LoadComposition(cfg.composition)
	if err != nil {
		return nil, fmt.Errorf("composition: %w", err)
	}

	st, err := newStack(cfg, uid, cohorte.MonitorName, cfg.monitorAddr, zl, mc)
	if err != nil {
		return nil, err
	}
	mn := &monitorNode{st: st}
	mn.agg = aggregator.NewAggregator(st.dir, st.sender,
		aggregator.WithLogger(zl),
		aggregator.WithMetrics(mc),
		aggregator.WithGroup(cfg.group, cfg.port),
		aggregator.WithApplication(cfg.appID),
		aggregator.WithTTL(cfg.ttl))
	mn.agg.AddListener(events.NewBridge(pub, cfg.nodeUID, zl))

	mn.mon = monitor.NewMonitor(uid, cfg.nodeUID, cfg.nodeName, mn.agg, st.sender,
		monitor.WithLogger(zl),
		monitor.WithMetrics(mc),
		monitor.WithKinds(kinds),
		monitor.WithPublisher(pub),
		monitor.WithStartTimeout(cfg.monitorStartTimeout()))

	status := composer.NewMemoryStatus()
	mn.comp = composer.NewComposer(cfg.nodeUID, cfg.nodeName, st.dir,
		composer.NewSignalCommander(st.sender, status, zl), mn.mon,
		composer.WithLogger(zl),
		composer.WithMetrics(mc),
		composer.WithStatus(status),
		composer.WithFinder(composition.Finder()),
		composer.WithSettleDelay(cfg.settle))
	mn.mon.SetComposer(mn.comp)
	mn.mon.Listen(st.recv)

	r := mux.NewRouter()
	st.recv.Routes(r)
	r.Handle("/metrics", mc.Handler())
	st.serve(r)

	mn.agg.AddListener(&bootstrap{node: cfg.nodeUID, start: func() {
		n := mn.mon.StartAutoRun(autoRun)
		zl.Info("Auto-run isolates started", zap.Int("count", n))
		if len(composition.Components) > 0 {
			if err := mn.comp.Instantiate(composition.Components); err != nil {
				zl.Error("Node composition failed", zap.Error(err))
			}
		}
	}})
	if err := mn.agg.Start(st.recv); err != nil {
		mn.close()
		return nil, fmt.Errorf("heartbeat listener: %w", err)
	}
	zl.Info("Monitor started", zap.String("uid", uid), zap.String("node", cfg.nodeUID))
	return mn, nil
}

func (mn *monitorNode) done() <-chan struct{} {
	return mn.mon.Done()
}

func (mn *monitorNode) close() {
	mn.comp.Close()
	mn.mon.Close()
	mn.agg.Close()
	mn.st.close()
}

// run starts the processes of cfg and waits for a termination signal, or
// for the monitor to stop the node.
func run(cfg *config) error {
	zl, err := newLogger(cfg.logLevel)
	if err != nil {
		return err
	}
	defer zl.Sync()

	mc := metrics.NewCollector("cohorte")

	var pub *events.Publisher
	if cfg.natsURL != "" {
		if pub, err = events.Connect(cfg.natsURL, cfg.nodeUID,
			events.WithLogger(zl.Named("events"))); err != nil {
			zl.Warn("Lifecycle events disabled", zap.String("url", cfg.natsURL), zap.Error(err))
			pub = nil
		}
	}
	defer pub.Close()

	var fn *forkerNode
	if cfg.forker {
		if fn, err = startForker(cfg, zl.Named("forker"), mc, pub); err != nil {
			return err
		}
		defer fn.close()
	}

	var stopped <-chan struct{}
	if cfg.monitor {
		uid := cfg.uid
		if cfg.forker {
			uid = cohorte.NewUID()
		}
		mn, err := startMonitor(cfg, uid, zl.Named("monitor"), mc, pub)
		if err != nil {
			return err
		}
		defer mn.close()
		if fn != nil {
			fn.f.AddLostListener(mn.mon)
		}
		stopped = mn.done()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	select {
	case s := <-sigs:
		zl.Info("Shutting down", zap.Stringer("signal", s))
	case <-stopped:
		zl.Info("Node stopped by the monitor")
	}
	return nil
}
