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

// Package events mirrors the lifecycle of isolates and forkers on NATS
// subjects, for consumers outside of the platform.
package events

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is prepended to the kind of an event to form its subject.
const DefaultPrefix = "cohorte.events."

// Event kinds.
const (
	IsolateStarting  = "isolate.starting"
	IsolateReady     = "isolate.ready"
	IsolateStopping  = "isolate.stopping"
	IsolateLost      = "isolate.lost"
	IsolateGone      = "isolate.gone"
	ForkerReady      = "forker.ready"
	ForkerLost       = "forker.lost"
	PlatformStopping = "platform.stopping"
	NodeStopping     = "node.stopping"
)

var ErrNotConnected = errors.New("Not connected to NATS")

// Event is the payload of every published message.
type Event struct {
	Kind   string    `json:"kind"`
	UID    string    `json:"uid,omitempty"`
	Name   string    `json:"name,omitempty"`
	Node   string    `json:"node,omitempty"`
	Origin string    `json:"origin"`
	Time   time.Time `json:"time"`
}

// Publisher publishes events.  A nil *Publisher drops them, so callers do
// not need to check whether mirroring is configured.
type Publisher struct {
	nc     *nats.Conn
	owned  bool
	prefix string
	origin string
	log    *zap.Logger
	mx     sync.Mutex
}

type Option func(*Publisher)

func WithLogger(zl *zap.Logger) Option {
	return func(p *Publisher) { p.log = zl }
}

// WithPrefix changes the subject prefix.  It should end with a dot.
func WithPrefix(prefix string) Option {
	return func(p *Publisher) { p.prefix = prefix }
}

// NewPublisher publishes on an established connection, which the caller
// keeps ownership of.  origin identifies this process in the events.
func NewPublisher(nc *nats.Conn, origin string, opts ...Option) *Publisher {
	p := &Publisher{nc: nc, origin: origin, prefix: DefaultPrefix}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// Connect dials the NATS server at url, reconnecting forever.
func Connect(url, origin string, opts ...Option) (*Publisher, error) {
	p := NewPublisher(nil, origin, opts...)
	nc, err := nats.Connect(url,
		nats.Name("cohorte-"+origin),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			p.log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}))
	if err != nil {
		return nil, err
	}
	p.nc = nc
	p.owned = true
	return p, nil
}

// Subject returns the subject events of kind are published on.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + kind
}

// Publish sends ev, stamping its origin and time when missing.
func (p *Publisher) Publish(ev Event) error {
	if p == nil {
		return nil
	}
	p.mx.Lock()
	nc := p.nc
	p.mx.Unlock()
	if nc == nil || nc.IsClosed() {
		return ErrNotConnected
	}
	if ev.Origin == "" {
		ev.Origin = p.origin
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	if err := nc.Publish(p.Subject(ev.Kind), data); err != nil {
		p.log.Warn("Failed to publish event", zap.String("kind", ev.Kind), zap.Error(err))
		return err
	}
	return nil
}

// Flush waits until the server processed the published events.
func (p *Publisher) Flush(timeout time.Duration) error {
	if p == nil {
		return nil
	}
	p.mx.Lock()
	nc := p.nc
	p.mx.Unlock()
	if nc == nil {
		return ErrNotConnected
	}
	return nc.FlushTimeout(timeout)
}

// Close drains and closes the connection if the publisher opened it.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mx.Lock()
	nc := p.nc
	p.nc = nil
	p.mx.Unlock()
	if nc != nil && p.owned {
		nc.Drain()
		nc.Close()
	}
}

// Subscribe calls fn for each event published under prefix.  Without
// kinds, every event is delivered.
func Subscribe(nc *nats.Conn, prefix string, fn func(Event), kinds ...string) ([]*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	handler := func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		if ev.Kind == "" {
			ev.Kind = strings.TrimPrefix(m.Subject, prefix)
		}
		fn(ev)
	}
	if len(kinds) == 0 {
		sub, err := nc.Subscribe(prefix+">", handler)
		if err != nil {
			return nil, err
		}
		return []*nats.Subscription{sub}, nil
	}
	var subs []*nats.Subscription
	for _, kind := range kinds {
		sub, err := nc.Subscribe(prefix+kind, handler)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
