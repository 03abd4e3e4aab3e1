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
	"time"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is one captured line of isolate output.
type LogRecord struct {
	Id     int64     `json:"id,string"`
	Time   time.Time `json:"time"`
	Source string    `json:"source,omitempty"`
	Text   string    `json:"text"`
}

// Log is a bounded ring of output lines.  Forkers keep one per isolate, so
// the last lines of a crashed isolate can still be read back through the
// management API.
type Log struct {
	source     string
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (log *Log) lock() {
	log.mx.Lock()
}

func (log *Log) unlock() {
	log.mx.Unlock()
}

// Write implements io.Writer.  Each line of b becomes one record.
func (log *Log) Write(b []byte) (int, error) {
	log.Append(string(b))
	return len(b), nil
}

// Append stores text, one record per line.
func (log *Log) Append(text string) {
	log.AppendFrom(log.source, text)
}

// AppendFrom stores text attributed to source, one record per line.
func (log *Log) AppendFrom(source string, text string) {
	str := strings.Trim(text, "\n")
	now := time.Now()
	log.lock()
	if log.records == nil {
		log.records = make([]LogRecord, log.maxRecords)
	}
	for _, line := range strings.Split(str, "\n") {
		idx := log.numRecords % log.maxRecords
		log.id++
		log.records[idx] = LogRecord{
			Id:     log.id,
			Time:   now,
			Source: source,
			Text:   strings.TrimRight(line, "\r"),
		}
		// numRecords keeps growing past maxRecords; it is the next
		// write position modulo the ring size.
		log.numRecords++
	}
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
}

func (log *Log) Clear() {
	log.lock()
	log.numRecords = 0
	// IDs must never go backwards, or cached Etags would match again.
	log.id = time.Now().UnixNano()
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
}

// GetRecords returns the stored records, oldest first, and an ID suitable
// for use as an Etag.  If last equals the current ID, nil is returned
// without copying anything.  IDs are not unique across Log instances.
func (log *Log) GetRecords(last int64) ([]LogRecord, int64) {
	log.lock()
	defer log.unlock()
	if log.id == last {
		return nil, last
	}
	cnt := log.numRecords
	if cnt > log.maxRecords {
		cnt = log.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := log.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, log.records[index%log.maxRecords])
		index++
	}
	return recs, log.id
}

// Lines returns only the text of the stored records.
func (log *Log) Lines() []string {
	recs, _ := log.GetRecords(0)
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, r.Text)
	}
	return lines
}

// Watch blocks until the log ID differs from last, or until expire has
// elapsed.  A zero expire returns immediately.  The current ID is returned.
func (log *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&log.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			log.lock()
			expired = true
			cv.Broadcast()
			log.unlock()
		})
	} else {
		expired = true
	}

	log.lock()
	log.cvs[cv] = true
	for log.id == last && !expired {
		cv.Wait()
	}
	delete(log.cvs, cv)
	last = log.id
	log.unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewLog returns a Log whose records are attributed to source.
func NewLog(source string) *Log {
	return NewLogSize(source, MaxLogRecords)
}

// NewLogSize returns a Log keeping at most size records.
func NewLogSize(source string, size int) *Log {
	if size <= 0 {
		size = MaxLogRecords
	}
	return &Log{
		source:     source,
		maxRecords: size,
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
}
