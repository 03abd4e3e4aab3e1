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
	"sync"

	"go.uber.org/zap"
)

// Queue runs tasks in submission order on goroutines of its own.  With a
// single worker, tasks run one at a time.  Enqueue never blocks, so it is
// safe to call with a lock held; listener notifications are posted this
// way.
type Queue struct {
	name    string
	tasks   []func()
	closed  bool
	workers sync.WaitGroup
	cv      *sync.Cond
	mx      sync.Mutex
	log     *zap.Logger
}

func (q *Queue) run() {
	defer q.workers.Done()
	for {
		q.mx.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cv.Wait()
		}
		if len(q.tasks) == 0 {
			q.mx.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mx.Unlock()
		q.call(task)
	}
}

func (q *Queue) call(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Task panicked", zap.String("queue", q.name),
				zap.Any("panic", r))
		}
	}()
	task()
}

// Enqueue schedules task.  It returns false once the queue is closed.
func (q *Queue) Enqueue(task func()) bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	q.cv.Signal()
	return true
}

// Close refuses new tasks, lets the pending ones run, and waits for the
// workers to exit.  It may be called more than once.
func (q *Queue) Close() {
	q.mx.Lock()
	q.closed = true
	q.cv.Broadcast()
	q.mx.Unlock()
	q.workers.Wait()
}

// NewQueue starts a Queue with a single worker.  The name only shows up in
// logs.
func NewQueue(name string, zl *zap.Logger) *Queue {
	return NewPool(name, 1, zl)
}

// NewPool starts a Queue running up to workers tasks at once.
func NewPool(name string, workers int, zl *zap.Logger) *Queue {
	if zl == nil {
		zl = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	q := &Queue{name: name, log: zl}
	q.cv = sync.NewCond(&q.mx)
	q.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go q.run()
	}
	return q
}
