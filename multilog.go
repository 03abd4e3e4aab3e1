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

package cohorte

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MultiLogger fans the output of one isolate out to several Logs, and
// mirrors each line to a zap logger at debug level.  The isolate's own
// ring and the forker-wide ring are the usual destinations.
type MultiLogger struct {
	source string
	zl     *zap.Logger
	logs   []*Log
	lock   sync.Mutex
}

// Write implements io.Writer.  It expects whole lines, the way the stdout
// watcher delivers them.
func (l *MultiLogger) Write(b []byte) (int, error) {
	l.Print(string(b))
	return len(b), nil
}

// Print delivers each line of text to every registered Log.
func (l *MultiLogger) Print(text string) {
	lines := strings.Split(strings.Trim(text, "\n"), "\n")
	l.lock.Lock()
	for _, line := range lines {
		for _, dst := range l.logs {
			dst.AppendFrom(l.source, line)
		}
		l.zl.Debug(line, zap.String("isolate", l.source))
	}
	l.lock.Unlock()
}

// AddLog adds a destination.  A Log can only be added once.
func (l *MultiLogger) AddLog(log *Log) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, x := range l.logs {
		if x == log {
			return
		}
	}
	l.logs = append(l.logs, log)
}

// DelLog removes a destination.
func (l *MultiLogger) DelLog(log *Log) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for i, x := range l.logs {
		if x == log {
			l.logs = append(l.logs[:i], l.logs[i+1:]...)
			break
		}
	}
}

// NewMultiLogger returns a MultiLogger attributing lines to source.  A nil
// zap logger disables mirroring.
func NewMultiLogger(source string, zl *zap.Logger, logs ...*Log) *MultiLogger {
	if zl == nil {
		zl = zap.NewNop()
	}
	m := &MultiLogger{source: source, zl: zl}
	for _, log := range logs {
		m.AddLog(log)
	}
	return m
}
