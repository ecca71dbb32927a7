package jsm

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/jsm-go/pkg/log"
	"github.com/lk2023060901/jsm-go/pkg/util/conc"
)

// serialQueue 为单消费者的 FIFO 任务队列。
//
// 说明：
//   - push 永不阻塞调用方，任务追加到队尾；
//   - 同一时刻至多一个 worker 在排空队列，因此同一队列的任务按入队顺序逐个执行，
//     不会并发；
//   - worker 取自共享协程池，池不可用时退回到独立 goroutine。
type serialQueue struct {
	pool *conc.Pool

	mu      sync.Mutex
	tasks   []func()
	running bool
}

func newSerialQueue(pool *conc.Pool) *serialQueue {
	return &serialQueue{pool: pool}
}

func (q *serialQueue) push(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	submit(q.pool, q.drain)
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		runTask(task)
	}
}

// pending 返回尚未执行的任务数。
func (q *serialQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// submit 将 fn 交给协程池，池已满或已关闭时改用独立 goroutine。
func submit(pool *conc.Pool, fn func()) {
	if pool != nil {
		if err := pool.Submit(fn); err == nil {
			return
		}
	}
	go fn()
}

// runTask 执行单个任务，任务 panic 不会中断所在队列。
func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("jsm task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
