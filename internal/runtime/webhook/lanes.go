package webhook

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
	metricspkg "github.com/drblury/hookrelay/internal/runtime/metrics"
)

const drainPoll = 10 * time.Millisecond

// lane serialises deliveries for one subscriber.
type lane struct {
	key   string
	queue chan delivery
	// pending counts deliveries reserved for queue but not yet taken by
	// the lane goroutine. Guarded by lanePool.mu.
	pending int
}

// lanePool runs one goroutine per active subscriber so a slow endpoint
// only delays its own deliveries.
type lanePool struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
	buffer  int
	idle    time.Duration
	work    func(delivery)
	metrics *metricspkg.Metrics
}

func newLanePool(buffer int, idle time.Duration, work func(delivery), metrics *metricspkg.Metrics) *lanePool {
	if buffer < 1 {
		buffer = 1
	}
	if idle <= 0 {
		idle = time.Minute
	}
	return &lanePool{
		lanes:   make(map[string]*lane),
		done:    make(chan struct{}),
		buffer:  buffer,
		idle:    idle,
		work:    work,
		metrics: metrics,
	}
}

// enqueue hands d to the lane for key. When wait is false a full lane
// fails fast with ErrLaneFull.
func (p *lanePool) enqueue(ctx context.Context, key string, d delivery, wait bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errspkg.ErrDispatcherClosed
	}
	l := p.laneLocked(key)
	l.pending++

	if !wait {
		select {
		case l.queue <- d:
			p.mu.Unlock()
			return nil
		default:
			l.pending--
			p.mu.Unlock()
			return errspkg.ErrLaneFull
		}
	}
	p.mu.Unlock()

	select {
	case l.queue <- d:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		l.pending--
		p.mu.Unlock()
		return ctx.Err()
	}
}

// laneLocked expects p.mu to be held.
func (p *lanePool) laneLocked(key string) *lane {
	if l, ok := p.lanes[key]; ok {
		return l
	}
	l := &lane{key: key, queue: make(chan delivery, p.buffer)}
	p.lanes[key] = l
	p.wg.Add(1)
	p.metrics.LaneStarted()
	go p.run(l)
	return l
}

func (p *lanePool) run(l *lane) {
	defer p.wg.Done()
	defer p.metrics.LaneStopped()

	timer := time.NewTimer(p.idle)
	defer timer.Stop()

	for {
		select {
		case d := <-l.queue:
			p.take(l)
			p.work(d)
			timer.Reset(p.idle)
		case <-timer.C:
			p.mu.Lock()
			if l.pending == 0 {
				delete(p.lanes, l.key)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			timer.Reset(p.idle)
		case <-p.done:
			p.drain(l)
			return
		}
	}
}

func (p *lanePool) take(l *lane) {
	p.mu.Lock()
	l.pending--
	p.mu.Unlock()
}

func (p *lanePool) drain(l *lane) {
	for {
		p.mu.Lock()
		remaining := l.pending
		p.mu.Unlock()
		if remaining == 0 {
			return
		}
		// A waiting enqueue may still give up, so poll instead of blocking.
		select {
		case d := <-l.queue:
			p.take(l)
			p.work(d)
		case <-time.After(drainPoll):
		}
	}
}

// size returns the number of running lanes.
func (p *lanePool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// close stops intake and waits for every queued delivery to finish.
func (p *lanePool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}
