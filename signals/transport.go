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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime/metrics"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 10 * time.Second

	// DefaultBreakerFailures is the number of consecutive failures after
	// which an endpoint is no longer tried for DefaultBreakerCooldown.
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 5 * time.Second
)

// Transport delivers one signal to one endpoint.  It keeps a circuit
// breaker per endpoint, so a dead peer costs a connect timeout only a few
// times before being reported as failing immediately.
type Transport struct {
	client   *http.Client
	local    *Receiver
	failures uint32
	cooldown time.Duration
	breakers map[string]*gobreaker.CircuitBreaker
	log      *zap.Logger
	metrics  *metrics.Collector
	mx       sync.Mutex

	connectTimeout time.Duration
	readTimeout    time.Duration
}

type TransportOption func(*Transport)

func WithConnectTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.connectTimeout = d
	}
}

// WithReadTimeout bounds the whole exchange once connected.
func WithReadTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.readTimeout = d
	}
}

// WithLocalReceiver enables in-process delivery for Local accesses.
func WithLocalReceiver(r *Receiver) TransportOption {
	return func(t *Transport) {
		t.local = r
	}
}

func WithBreaker(failures int, cooldown time.Duration) TransportOption {
	return func(t *Transport) {
		if failures > 0 {
			t.failures = uint32(failures)
		}
		if cooldown > 0 {
			t.cooldown = cooldown
		}
	}
}

func WithTransportLogger(zl *zap.Logger) TransportOption {
	return func(t *Transport) {
		t.log = zl
	}
}

func WithTransportMetrics(c *metrics.Collector) TransportOption {
	return func(t *Transport) {
		t.metrics = c
	}
}

func (t *Transport) breaker(addr string) *gobreaker.CircuitBreaker {
	t.mx.Lock()
	defer t.mx.Unlock()
	if cb, ok := t.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     t.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= t.failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.log.Info("Signal endpoint state changed", zap.String("endpoint", name),
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	t.breakers[addr] = cb
	return cb
}

// classify maps a client error to ErrTimeout or ErrUnreachable.
func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func (t *Transport) post(ctx context.Context, access Access, name string, body []byte, mode Mode) (*Response, error) {
	url := "http://" + access.Address() + ReceiverPath + name
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mimeJson)
	req.Header.Set(ModeHeader, string(mode))

	out, err := t.breaker(access.Address()).Execute(func() (interface{}, error) {
		res, err := t.client.Do(req)
		if err != nil {
			return nil, classify(err)
		}
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, classify(err)
		}
		// Protocol level refusals are not a sign of a sick peer, so they
		// are returned as values and judged by the caller.
		r := &Response{}
		if err := json.Unmarshal(b, r); err != nil || r.Code == 0 {
			r.Code = res.StatusCode
			r.Message = res.Status
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, access.Address())
		}
		return nil, err
	}
	return out.(*Response), nil
}

func (t *Transport) deliverLocal(name string, msg *Message, mode Mode) *Response {
	local := *msg
	local.SenderAddress = LocalHost
	return t.local.Handle(name, &local, mode)
}

// Send delivers msg to access in the given mode.  A SEND to a peer without
// a matching listener is not an error: the response has no results.
func (t *Transport) Send(ctx context.Context, access Access, name string, msg *Message, mode Mode) (*Response, error) {
	start := time.Now()
	var res *Response
	var err error

	if access.Local && t.local != nil {
		res = t.deliverLocal(name, msg, mode)
	} else {
		var body []byte
		if body, err = json.Marshal(msg); err == nil {
			res, err = t.post(ctx, access, name, body, mode)
		}
	}

	if err == nil {
		switch {
		case res.Code == http.StatusOK:
		case res.Code == http.StatusNotFound && mode == ModeSend:
			res.Results = nil
		case res.Code == http.StatusNotFound:
			err = fmt.Errorf("%w: %s", ErrNoListener, name)
		case res.Code == http.StatusNotImplemented:
			err = fmt.Errorf("%w: %s", ErrBadMode, res.Message)
		default:
			err = fmt.Errorf("%w: %d %s", ErrRejected, res.Code, res.Message)
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		res = nil
	}
	t.metrics.SignalSent(string(mode), outcome, time.Since(start))
	return res, err
}

// NewTransport returns a Transport with a 3s connect timeout.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		failures:       DefaultBreakerFailures,
		cooldown:       DefaultBreakerCooldown,
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
		log:            zap.NewNop(),
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	dialer := &net.Dialer{Timeout: t.connectTimeout}
	t.client = &http.Client{
		Timeout: t.connectTimeout + t.readTimeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: t.readTimeout,
			MaxIdleConnsPerHost:   4,
		},
	}
	return t
}
