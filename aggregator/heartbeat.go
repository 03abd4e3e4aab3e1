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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const heartbeatMarker = 1

var (
	ErrNotHeartbeat = errors.New("Not a heartbeat packet")
	ErrTruncated    = errors.New("Truncated heartbeat packet")
	ErrTooLong      = errors.New("Heartbeat field too long")
)

// Heartbeat is the datagram a forker multicasts to announce itself.  On
// the wire, little-endian: marker byte 1, the signal port on 16 bits, then
// the application ID, forker UID and node UID, each prefixed by its length
// on 16 bits.
type Heartbeat struct {
	Port        int
	Application string
	UID         string
	Node        string
}

func (hb *Heartbeat) MarshalBinary() ([]byte, error) {
	if hb.Port < 0 || hb.Port > math.MaxUint16 {
		return nil, fmt.Errorf("%w: port %d", ErrTooLong, hb.Port)
	}
	var buf bytes.Buffer
	buf.WriteByte(heartbeatMarker)
	binary.Write(&buf, binary.LittleEndian, uint16(hb.Port))
	for _, s := range []string{hb.Application, hb.UID, hb.Node} {
		if len(s) > math.MaxUint16 {
			return nil, ErrTooLong
		}
		binary.Write(&buf, binary.LittleEndian, uint16(len(s)))
		buf.WriteString(s)
	}
	return buf.Bytes(), nil
}

func readString(r *bytes.Reader) (string, error) {
	var size uint16
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return "", ErrTruncated
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", ErrTruncated
	}
	return string(data), nil
}

// ParseHeartbeat decodes a datagram.  Trailing bytes are ignored.
func ParseHeartbeat(data []byte) (*Heartbeat, error) {
	r := bytes.NewReader(data)
	marker, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if marker != heartbeatMarker {
		return nil, fmt.Errorf("%w: marker %d", ErrNotHeartbeat, marker)
	}
	var port uint16
	if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
		return nil, ErrTruncated
	}
	hb := &Heartbeat{Port: int(port)}
	for _, field := range []*string{&hb.Application, &hb.UID, &hb.Node} {
		if *field, err = readString(r); err != nil {
			return nil, err
		}
	}
	return hb, nil
}
