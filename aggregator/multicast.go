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

package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/cohorte/cohorte-runtime/metrics"
)

const (
	DefaultGroup    = "239.0.0.1"
	DefaultPort     = 42000
	DefaultInterval = 2 * time.Second

	readBuffer   = 1024
	readDeadline = time.Second
	multicastTTL = 16
)

var ErrBadGroup = errors.New("Invalid heartbeat group")

// HeartbeatFunc handles a decoded heartbeat sent from host.
type HeartbeatFunc func(hb *Heartbeat, host string)

func groupAddr(group string, port int) (*net.UDPAddr, error) {
	ip := net.ParseIP(group).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrBadGroup, group)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// packetReader is the reading side of the heartbeat socket.
type packetReader interface {
	SetReadDeadline(t time.Time) error
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
}

// Receiver reads heartbeats from a multicast group.  A unicast group is
// not joined: the receiver then only gets heartbeats sent to it directly.
// The port is bound with address reuse, so that several monitors of a
// host can share the group.
type Receiver struct {
	conn    *ipv4.PacketConn
	reader  packetReader
	backoff time.Duration
	group   *net.UDPAddr
	joined  bool
	handler HeartbeatFunc
	log     *zap.Logger
	metrics *metrics.Collector
	port    int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Listen binds port and starts reading heartbeats for h.  Port 0 picks a
// free port, see Port.
func Listen(group string, port int, h HeartbeatFunc, zl *zap.Logger, mc *metrics.Collector) (*Receiver, error) {
	addr, err := groupAddr(group, port)
	if err != nil {
		return nil, err
	}
	if zl == nil {
		zl = zap.NewNop()
	}
	lc := net.ListenConfig{Control: reuseAddress}
	c, err := lc.ListenPacket(context.Background(), "udp4",
		net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		conn:    ipv4.NewPacketConn(c),
		backoff: readDeadline,
		group:   addr,
		handler: h,
		log:     zl,
		metrics: mc,
		port:    c.LocalAddr().(*net.UDPAddr).Port,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if addr.IP.IsMulticast() {
		if err := r.conn.JoinGroup(nil, addr); err != nil {
			c.Close()
			return nil, err
		}
		r.joined = true
		if err := r.conn.SetMulticastLoopback(true); err != nil {
			zl.Warn("Cannot enable multicast loopback", zap.Error(err))
		}
	}
	r.reader = r.conn
	go r.run()
	zl.Info("Listening to heartbeats", zap.String("group", group), zap.Int("port", r.port))
	return r, nil
}

func (r *Receiver) Port() int {
	return r.port
}

func (r *Receiver) handle(data []byte, src net.Addr) {
	defer func() {
		if x := recover(); x != nil {
			r.log.Error("Heartbeat handler panicked", zap.Any("panic", x))
		}
	}()
	hb, err := ParseHeartbeat(data)
	if err != nil {
		r.metrics.Heartbeat(false)
		r.log.Warn("Invalid heartbeat", zap.Stringer("from", src), zap.Error(err))
		return
	}
	r.metrics.Heartbeat(true)
	host := src.String()
	if udp, ok := src.(*net.UDPAddr); ok {
		host = udp.IP.String()
	}
	r.handler(hb, host)
}

func (r *Receiver) run() {
	defer close(r.done)
	buf := make([]byte, readBuffer)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		r.reader.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, src, err := r.reader.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
			case errors.Is(err, net.ErrClosed):
				return
			default:
				r.log.Warn("Heartbeat read failed", zap.Error(err))
				select {
				case <-r.stop:
					return
				case <-time.After(r.backoff):
				}
			}
			continue
		}
		r.handle(buf[:n], src)
	}
}

// Close stops the reader and leaves the group.
func (r *Receiver) Close() {
	r.once.Do(func() {
		close(r.stop)
		if r.joined {
			r.conn.LeaveGroup(nil, r.group)
		}
		r.conn.Close()
		<-r.done
	})
}

// Beacon sends the heartbeat of a forker at a fixed interval.
type Beacon struct {
	conn     *ipv4.PacketConn
	dst      *net.UDPAddr
	packet   []byte
	interval time.Duration
	log      *zap.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewBeacon prepares the heartbeat hb for group:port.  Start sends it.
func NewBeacon(group string, port int, hb *Heartbeat, interval time.Duration, zl *zap.Logger) (*Beacon, error) {
	dst, err := groupAddr(group, port)
	if err != nil {
		return nil, err
	}
	packet, err := hb.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if zl == nil {
		zl = zap.NewNop()
	}
	c, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	b := &Beacon{
		conn:     ipv4.NewPacketConn(c),
		dst:      dst,
		packet:   packet,
		interval: interval,
		log:      zl,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if dst.IP.IsMulticast() {
		b.conn.SetMulticastTTL(multicastTTL)
		b.conn.SetMulticastLoopback(true)
	}
	return b, nil
}

// Beat sends one heartbeat.
func (b *Beacon) Beat() error {
	_, err := b.conn.WriteTo(b.packet, nil, b.dst)
	return err
}

// Start sends a heartbeat now, then every interval until Close.
func (b *Beacon) Start() {
	go func() {
		defer close(b.done)
		tick := time.NewTicker(b.interval)
		defer tick.Stop()
		for {
			if err := b.Beat(); err != nil {
				b.log.Warn("Cannot send heartbeat", zap.Stringer("to", b.dst), zap.Error(err))
			}
			select {
			case <-tick.C:
			case <-b.stop:
				return
			}
		}
	}()
}

func (b *Beacon) Close() {
	b.once.Do(func() {
		close(b.stop)
		b.conn.Close()
	})
}
