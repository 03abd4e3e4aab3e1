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
	"encoding/json"
	"errors"
	"time"
)

// Mode selects how a signal is delivered.
type Mode string

const (
	// ModeSend waits for the listeners' results.
	ModeSend Mode = "send"
	// ModeForget returns as soon as the receiver accepted the signal.
	ModeForget Mode = "forget"
	// ModeAck returns once the receiver knows a listener matches.
	ModeAck Mode = "ack"
)

const (
	// ReceiverPath prefixes the signal name in the request URL.
	ReceiverPath = "/cohorte-signal-receiver"
	// ModeHeader carries the delivery mode.
	ModeHeader = "X-Signal-Mode"

	mimeJson = "application/json; charset=UTF-8"
)

var (
	ErrTimeout     = errors.New("Signal timed out")
	ErrUnreachable = errors.New("Signal destination unreachable")
	ErrNoListener  = errors.New("No listener for signal")
	ErrBreakerOpen = errors.New("Signal destination failing, not tried")
	ErrRejected    = errors.New("Signal rejected by receiver")
	ErrBadMode     = errors.New("Unknown signal mode")
)

// Message is the envelope of a signal.
type Message struct {
	SenderUID     string          `json:"senderUID,omitempty"`
	SenderName    string          `json:"senderName,omitempty"`
	SenderNode    string          `json:"senderNode"`
	SenderAddress string          `json:"senderAddress,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Content       json.RawMessage `json:"signalContent,omitempty"`
}

// Decode unmarshals the content of the message into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Content) == 0 {
		return errors.New("Empty signal content")
	}
	return json.Unmarshal(m.Content, v)
}

// NewMessage wraps content, which must be JSON serializable.
func NewMessage(content interface{}) (*Message, error) {
	m := &Message{Timestamp: time.Now().UnixNano() / int64(time.Millisecond)}
	if content != nil {
		b, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		m.Content = b
	}
	return m, nil
}

// Response is the body returned by a receiver.
type Response struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Results []json.RawMessage `json:"results"`
}

// Listener handles signals whose name matches the pattern it was
// registered with.  The result, if not nil, is returned to SEND callers.
type Listener interface {
	HandleSignal(name string, msg *Message) (interface{}, error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(name string, msg *Message) (interface{}, error)

func (f ListenerFunc) HandleSignal(name string, msg *Message) (interface{}, error) {
	return f(name, msg)
}
