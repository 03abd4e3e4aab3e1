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
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cohorte/cohorte-runtime"
)

var ErrBadRole = errors.New("Role must be forker, monitor or both")

type config struct {
	forker  bool
	monitor bool

	nodeUID  string
	nodeName string
	uid      string
	home     string
	base     string

	httpAddr    string
	monitorAddr string
	readTimeout time.Duration

	startTimeout time.Duration
	stopTimeout  time.Duration
	bootCommand  []string
	startersDir  string

	group    string
	port     int
	ttl      time.Duration
	interval time.Duration
	appID    string

	natsURL     string
	brokerPath  string
	settle      time.Duration
	composition string
	autoRun     string
	kinds       string
	logLevel    string
}

// startMargin is added to the forker start timeout for the monitor, which
// waits on the forker and must not give up first.
const startMargin = 5 * time.Second

func (c *config) monitorStartTimeout() time.Duration {
	return c.startTimeout + startMargin
}

func duration(key string) (time.Duration, error) {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// loadConfig reads the viper keys.  Missing identities are generated.
func loadConfig() (*config, error) {
	cfg := &config{
		nodeUID:     viper.GetString("node.uid"),
		nodeName:    viper.GetString("node.name"),
		uid:         viper.GetString("isolate.uid"),
		home:        viper.GetString("home"),
		base:        viper.GetString("base"),
		httpAddr:    viper.GetString("http.addr"),
		monitorAddr: viper.GetString("monitor.addr"),
		bootCommand: strings.Fields(viper.GetString("forker.boot-command")),
		startersDir: viper.GetString("forker.starters"),
		group:       viper.GetString("multicast.group"),
		port:        viper.GetInt("multicast.port"),
		appID:       viper.GetString("app.id"),
		natsURL:     viper.GetString("nats.url"),
		brokerPath:  viper.GetString("broker.path"),
		composition: viper.GetString("composer.composition"),
		autoRun:     viper.GetString("monitor.autorun"),
		kinds:       viper.GetString("monitor.kinds"),
		logLevel:    viper.GetString("log.level"),
	}

	switch viper.GetString("role") {
	case "forker":
		cfg.forker = true
	case "monitor":
		cfg.monitor = true
	case "both", "":
		cfg.forker = true
		cfg.monitor = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadRole, viper.GetString("role"))
	}

	var err error
	for key, dst := range map[string]*time.Duration{
		"signals.read-timeout": &cfg.readTimeout,
		"forker.start-timeout": &cfg.startTimeout,
		"forker.stop-timeout":  &cfg.stopTimeout,
		"multicast.ttl":        &cfg.ttl,
		"multicast.interval":   &cfg.interval,
		"composer.delay":       &cfg.settle,
	} {
		if *dst, err = duration(key); err != nil {
			return nil, err
		}
	}

	if cfg.nodeUID == "" {
		cfg.nodeUID = cohorte.NewUID()
	}
	if cfg.nodeName == "" {
		if cfg.nodeName, err = os.Hostname(); err != nil {
			cfg.nodeName = cfg.nodeUID
		}
	}
	if cfg.uid == "" {
		cfg.uid = cohorte.NewUID()
	}
	if cfg.home == "" {
		cfg.home = "."
	}
	if cfg.base == "" {
		cfg.base = cfg.home
	}
	return cfg, nil
}

// newLogger returns a production logger, or a development one at the
// debug level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
