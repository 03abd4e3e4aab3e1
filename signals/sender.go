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
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Target selects the destinations of a signal.  UIDs, names and group are
// combined; excluded UIDs are removed at the end.
type Target struct {
	UIDs     []string
	Names    []string
	Group    Group
	Excluded []string
}

// ToIsolate targets a single UID.
func ToIsolate(uid string) Target {
	return Target{UIDs: []string{uid}}
}

// ToGroup targets a computed group, minus the excluded UIDs.
func ToGroup(g Group, excluded ...string) Target {
	return Target{Group: g, Excluded: excluded}
}

// Outcome is the eventual result of Post.
type Outcome struct {
	Results map[string][]json.RawMessage
	Failed  []string
	Err     error
}

// Sender resolves targets through the directory and fans signals out.
// One unreachable peer never delays or fails delivery to the others.
type Sender struct {
	dir       *Directory
	transport *Transport
	log       *zap.Logger
}

func (s *Sender) message(content interface{}) (*Message, error) {
	msg, err := NewMessage(content)
	if err != nil {
		return nil, err
	}
	msg.SenderUID = s.dir.UID()
	msg.SenderName = s.dir.Name()
	msg.SenderNode = s.dir.Node()
	return msg, nil
}

// resolve returns the reachable accesses of t, and the UIDs or names that
// could not be resolved.
func (s *Sender) resolve(t Target) (map[string]Access, []string) {
	accesses := make(map[string]Access)
	var missing []string

	for _, uid := range t.UIDs {
		if a, ok := s.dir.GetIsolateAccess(uid); ok {
			accesses[uid] = a
		} else {
			missing = append(missing, uid)
		}
	}
	for _, name := range t.Names {
		uids := s.dir.GetNameUIDs(name)
		if len(uids) == 0 {
			missing = append(missing, name)
		}
		for _, uid := range uids {
			if a, ok := s.dir.GetIsolateAccess(uid); ok {
				accesses[uid] = a
			} else {
				missing = append(missing, uid)
			}
		}
	}
	if t.Group != "" {
		for uid, a := range s.dir.GetComputedGroupAccesses(t.Group) {
			accesses[uid] = a
		}
	}
	for _, uid := range t.Excluded {
		delete(accesses, uid)
	}
	return accesses, missing
}

// SendToMany delivers msg to every access concurrently.  The responses of
// the reached peers are keyed by UID; the others are listed in failed.
func (s *Sender) SendToMany(ctx context.Context, name string, msg *Message, mode Mode, accesses map[string]Access) (map[string]*Response, []string) {
	var mx sync.Mutex
	var wg sync.WaitGroup
	responses := make(map[string]*Response, len(accesses))
	var failed []string

	for uid, access := range accesses {
		wg.Add(1)
		go func(uid string, access Access) {
			defer wg.Done()
			res, err := s.transport.Send(ctx, access, name, msg, mode)
			mx.Lock()
			defer mx.Unlock()
			if err != nil {
				s.log.Debug("Signal not delivered", zap.String("signal", name),
					zap.String("uid", uid), zap.String("endpoint", access.Address()),
					zap.Error(err))
				failed = append(failed, uid)
				return
			}
			responses[uid] = res
		}(uid, access)
	}
	wg.Wait()
	sort.Strings(failed)
	return responses, failed
}

func (s *Sender) deliver(ctx context.Context, name string, content interface{}, t Target, mode Mode) (map[string]*Response, []string, error) {
	msg, err := s.message(content)
	if err != nil {
		return nil, nil, err
	}
	accesses, missing := s.resolve(t)
	responses, failed := s.SendToMany(ctx, name, msg, mode, accesses)
	if len(missing) > 0 {
		failed = append(failed, missing...)
		sort.Strings(failed)
	}
	return responses, failed, nil
}

// Send delivers a signal in SEND mode and returns the listener results of
// each reached peer, and the peers that could not be reached.  The error
// is only set when content cannot be serialized.
func (s *Sender) Send(ctx context.Context, name string, content interface{}, t Target) (map[string][]json.RawMessage, []string, error) {
	responses, failed, err := s.deliver(ctx, name, content, t, ModeSend)
	if err != nil {
		return nil, nil, err
	}
	results := make(map[string][]json.RawMessage, len(responses))
	for uid, res := range responses {
		results[uid] = res.Results
	}
	return results, failed, nil
}

// Fire delivers a signal in FORGET mode and returns the UIDs that accepted
// it.  Failures are only logged.
func (s *Sender) Fire(ctx context.Context, name string, content interface{}, t Target) []string {
	responses, failed, err := s.deliver(ctx, name, content, t, ModeForget)
	if err != nil {
		s.log.Error("Cannot fire signal", zap.String("signal", name), zap.Error(err))
		return nil
	}
	if len(failed) > 0 {
		s.log.Debug("Signal not accepted by every target", zap.String("signal", name),
			zap.Strings("failed", failed))
	}
	reached := make([]string, 0, len(responses))
	for uid := range responses {
		reached = append(reached, uid)
	}
	sort.Strings(reached)
	return reached
}

// Ack delivers a signal in ACK mode: a peer counts as reached when one of
// its listeners matches.
func (s *Sender) Ack(ctx context.Context, name string, content interface{}, t Target) ([]string, []string) {
	responses, failed, err := s.deliver(ctx, name, content, t, ModeAck)
	if err != nil {
		s.log.Error("Cannot send signal", zap.String("signal", name), zap.Error(err))
		return nil, nil
	}
	reached := make([]string, 0, len(responses))
	for uid := range responses {
		reached = append(reached, uid)
	}
	sort.Strings(reached)
	return reached, failed
}

// Post runs Send in the background.  The channel receives exactly one
// Outcome.
func (s *Sender) Post(ctx context.Context, name string, content interface{}, t Target) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		results, failed, err := s.Send(ctx, name, content, t)
		ch <- Outcome{Results: results, Failed: failed, Err: err}
	}()
	return ch
}

// Call delivers a SEND signal to a single peer and returns its listener
// results.  Unlike Send it tells why the peer was not reached.
func (s *Sender) Call(ctx context.Context, name string, content interface{}, uid string) ([]json.RawMessage, error) {
	access, ok := s.dir.GetIsolateAccess(uid)
	if !ok {
		return nil, fmt.Errorf("%w: no access to %s", ErrUnreachable, uid)
	}
	res, err := s.SendTo(ctx, name, content, access)
	if err != nil {
		return nil, err
	}
	return res.Results, nil
}

// SendTo delivers a SEND signal to an explicit endpoint, typically a peer
// that is not in the directory yet.
func (s *Sender) SendTo(ctx context.Context, name string, content interface{}, access Access) (*Response, error) {
	msg, err := s.message(content)
	if err != nil {
		return nil, err
	}
	return s.transport.Send(ctx, access, name, msg, ModeSend)
}

// FireTo delivers a FORGET signal to an explicit endpoint.
func (s *Sender) FireTo(ctx context.Context, name string, content interface{}, access Access) error {
	msg, err := s.message(content)
	if err != nil {
		return err
	}
	_, err = s.transport.Send(ctx, access, name, msg, ModeForget)
	return err
}

// NewSender returns a Sender resolving targets with dir.
func NewSender(dir *Directory, t *Transport, zl *zap.Logger) *Sender {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Sender{dir: dir, transport: t, log: zl}
}
