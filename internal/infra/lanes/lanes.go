package lanes

import "sync"

// Lanes выполняет задачи одного ключа строго по очереди, разные ключи параллельно.
// Горутина ключа завершается, когда очередь пуста.
type Lanes[K comparable] struct {
	mu     sync.Mutex
	queues map[K][]func()
	wg     sync.WaitGroup
}

// New создаёт набор очередей.
func New[K comparable]() *Lanes[K] {
	return &Lanes[K]{queues: make(map[K][]func())}
}

// Do ставит задачу в очередь ключа и сразу возвращается.
func (l *Lanes[K]) Do(key K, fn func()) {
	l.mu.Lock()
	queue, running := l.queues[key]
	l.queues[key] = append(queue, fn)
	if running {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()
	go l.drain(key)
}

func (l *Lanes[K]) drain(key K) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		queue := l.queues[key]
		if len(queue) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		fn := queue[0]
		l.queues[key] = queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// Wait дожидается выполнения всех поставленных задач.
func (l *Lanes[K]) Wait() {
	l.wg.Wait()
}
