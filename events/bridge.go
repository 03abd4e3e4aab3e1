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

package events

import (
	"go.uber.org/zap"
)

// Bridge turns the notifications of a forker and of an aggregator into
// events.
type Bridge struct {
	pub  *Publisher
	node string
	log  *zap.Logger
}

// NewBridge returns a Bridge for the isolates running on node.
func NewBridge(pub *Publisher, node string, zl *zap.Logger) *Bridge {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Bridge{pub: pub, node: node, log: zl}
}

func (b *Bridge) publish(ev Event) {
	if err := b.pub.Publish(ev); err != nil {
		b.log.Debug("Event not published", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

// HandleLostIsolate publishes an isolate lost by the local forker.
func (b *Bridge) HandleLostIsolate(uid, name string) {
	b.publish(Event{Kind: IsolateLost, UID: uid, Name: name, Node: b.node})
}

func (b *Bridge) ForkerReady(uid, node string) {
	b.publish(Event{Kind: ForkerReady, UID: uid, Node: node})
}

func (b *Bridge) ForkerLost(uid, node string) {
	b.publish(Event{Kind: ForkerLost, UID: uid, Node: node})
}
