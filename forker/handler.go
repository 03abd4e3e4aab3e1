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
	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/signals"
)

// Order is the content of the ping and stop forker signals.
type Order struct {
	UID string `json:"uid"`
}

// HandleSignal serves the forker orders.  The result code is the listener
// result; a start order carries an IsolateConfig.
func (f *Forker) HandleSignal(name string, msg *signals.Message) (interface{}, error) {
	switch name {
	case cohorte.SignalForkerPing:
		var o Order
		if err := msg.Decode(&o); err != nil {
			return nil, err
		}
		return f.Ping(o.UID), nil

	case cohorte.SignalForkerStart:
		var cfg IsolateConfig
		if err := msg.Decode(&cfg); err != nil {
			f.log.Warn("Bad start order", zap.String("from", msg.SenderUID), zap.Error(err))
			return InvalidParameter, nil
		}
		_, res := f.StartIsolate(&cfg)
		return res, nil

	case cohorte.SignalForkerStop:
		var o Order
		if err := msg.Decode(&o); err != nil {
			return nil, err
		}
		if err := f.StopIsolate(o.UID, 0); err != nil {
			return InvalidParameter, nil
		}
		return Success, nil

	case cohorte.SignalForkerPlatformStopping:
		f.SetPlatformStopping()
	}
	return nil, nil
}

// Listen registers the forker on the forker signals of r.
func (f *Forker) Listen(r *signals.Receiver) int {
	return r.Register(cohorte.SignalForkerMatchAll, f)
}
