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

package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
)

const (
	// GrabAttempts bounds the DUMP requests made by GrabDirectory.
	GrabAttempts = 5

	updaterTimeout = 5 * time.Second
)

var ErrNoDump = errors.New("No directory dump received")

// Registration is the content of the directory REGISTER and DUMP signals.
type Registration struct {
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Node      string `json:"node"`
	Address   string `json:"address,omitempty"`
	Port      int    `json:"port"`
	Propagate bool   `json:"propagate"`
}

// Contact is the content of the CONTACT signal a monitor sends to a newly
// discovered peer.
type Contact struct {
	Port int `json:"port"`
}

// Updater keeps the directory in sync with the peers through a small
// handshake: REGISTER announces a peer provisionally, SYN-ACK and ACK
// validate it on both sides, DUMP copies a whole directory, and CONTACT
// asks a peer to bootstrap from the sender's directory.
type Updater struct {
	dir    *Directory
	recv   *Receiver
	sender *Sender
	log    *zap.Logger
	regs   []int
}

// NewUpdater returns an Updater.  Start hooks it to the receiver.
func NewUpdater(dir *Directory, recv *Receiver, sender *Sender, zl *zap.Logger) *Updater {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Updater{dir: dir, recv: recv, sender: sender, log: zl}
}

func (u *Updater) Start() {
	u.regs = append(u.regs,
		u.recv.Register(cohorte.SignalDirectoryMatchAll, u),
		u.recv.Register(cohorte.SignalIsolateLost, u))
}

func (u *Updater) Stop() {
	for _, id := range u.regs {
		u.recv.Unregister(id)
	}
	u.regs = nil
}

func (u *Updater) registration(propagate bool) *Registration {
	return &Registration{
		UID:       u.dir.UID(),
		Name:      u.dir.Name(),
		Node:      u.dir.Node(),
		Port:      u.dir.Port(),
		Propagate: propagate,
	}
}

func (u *Updater) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), updaterTimeout)
}

// register stores the peer described in msg and answers the handshake.
func (u *Updater) register(msg *Message) (bool, error) {
	var reg Registration
	if err := msg.Decode(&reg); err != nil {
		return false, err
	}
	if reg.UID == u.dir.UID() {
		return false, nil
	}

	address := reg.Address
	if reg.Node == msg.SenderNode || address == "" {
		address = msg.SenderAddress
	}
	if reg.Node != u.dir.Node() {
		u.dir.SetNodeAddress(reg.Node, address)
	}

	registered, err := u.dir.RegisterIsolate(reg.UID, reg.Name, reg.Node, reg.Port, false)
	if err != nil {
		return false, err
	}

	ctx, cancel := u.context()
	defer cancel()
	if msg.SenderUID == reg.UID {
		u.sender.Fire(ctx, cohorte.SignalDirectorySynAck, nil, ToIsolate(reg.UID))
	} else if registered {
		u.sender.Fire(ctx, cohorte.SignalDirectoryRegister, u.registration(false),
			ToIsolate(reg.UID))
	}

	if reg.Propagate {
		reg.Propagate = false
		reg.Address = address
		u.sender.Fire(ctx, cohorte.SignalDirectoryRegister, &reg,
			ToGroup(GroupOthers, reg.UID))
	}
	return registered, nil
}

// HandleSignal implements Listener.
func (u *Updater) HandleSignal(name string, msg *Message) (interface{}, error) {
	switch name {
	case cohorte.SignalDirectoryDump:
		u.log.Debug("Directory dump requested", zap.String("from", msg.SenderUID))
		if _, err := u.register(msg); err != nil {
			return nil, err
		}
		return u.dir.Dump(), nil

	case cohorte.SignalDirectoryRegister:
		_, err := u.register(msg)
		return nil, err

	case cohorte.SignalDirectorySynAck:
		ctx, cancel := u.context()
		defer cancel()
		u.sender.Fire(ctx, cohorte.SignalDirectoryAck, nil, ToIsolate(msg.SenderUID))
		u.dir.ValidateIsolatePresence(msg.SenderUID)

	case cohorte.SignalDirectoryAck:
		u.dir.ValidateIsolatePresence(msg.SenderUID)

	case cohorte.SignalIsolateLost:
		var uid string
		if err := msg.Decode(&uid); err != nil {
			return nil, err
		}
		if uid != "" {
			u.dir.UnregisterIsolate(uid)
		}

	case cohorte.SignalDirectoryContact:
		go u.contacted(msg)
	}
	return nil, nil
}

// contacted grabs the directory of the monitor that contacted us.
func (u *Updater) contacted(msg *Message) {
	if !cohorte.IsMonitor(msg.SenderName) {
		u.log.Warn("Contact must come from a monitor", zap.String("from", msg.SenderUID),
			zap.String("name", msg.SenderName))
		return
	}
	var c Contact
	if err := msg.Decode(&c); err != nil || c.Port <= 0 {
		u.log.Warn("Contact without port", zap.String("from", msg.SenderUID))
		return
	}
	if err := u.GrabDirectory(msg.SenderAddress, c.Port, msg.SenderNode); err != nil {
		u.log.Warn("Failed to grab directory", zap.String("from", msg.SenderUID),
			zap.Error(err))
	}
}

// GrabDirectory asks the peer at host:port, running on node, for its
// directory, stores it, and announces this process to everybody it
// learned about.  The dumper calls its own node localhost, so the address
// of node is taken from host instead.
func (u *Updater) GrabDirectory(host string, port int, node string) error {
	if node != u.dir.Node() {
		u.dir.SetNodeAddress(node, host)
	}
	access := Access{Host: host, Port: port}
	var res *Response
	var err error
	for attempt := 1; attempt <= GrabAttempts; attempt++ {
		ctx, cancel := u.context()
		res, err = u.sender.SendTo(ctx, cohorte.SignalDirectoryDump, u.registration(false), access)
		cancel()
		if err == nil && len(res.Results) > 0 {
			break
		}
		u.log.Warn("Nothing returned by the directory dumper",
			zap.Int("attempt", attempt), zap.Int("max", GrabAttempts), zap.Error(err))
		res = nil
	}
	if res == nil {
		return fmt.Errorf("%w from %s", ErrNoDump, access.Address())
	}
	if len(res.Results) > 1 {
		u.log.Warn("More than one directory dump, using the first")
	}
	dump := &Dump{}
	if err := json.Unmarshal(res.Results[0], dump); err != nil {
		return err
	}
	added := u.dir.StoreDump(dump, []string{node}, nil)
	u.log.Debug("Directory grabbed", zap.Strings("added", added))
	u.SendRegistrationToAll(true)
	return nil
}

// SendRegistrationToAll announces this process to every other known peer.
func (u *Updater) SendRegistrationToAll(propagate bool) {
	ctx, cancel := u.context()
	defer cancel()
	results, failed, err := u.sender.Send(ctx, cohorte.SignalDirectoryRegister,
		u.registration(propagate), ToGroup(GroupOthers))
	if err != nil || len(results) == 0 {
		u.log.Warn("Registration not received by anybody", zap.Strings("failed", failed),
			zap.Error(err))
	}
}
