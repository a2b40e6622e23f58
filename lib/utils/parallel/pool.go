// Package parallel runs batched work on a fixed set of goroutines.
package parallel

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var batchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "findex_worker_pool_batches_total",
	Help: "Number of batches processed by a worker pool",
}, []string{"pool"})

var ErrPoolClosed = errors.New("worker pool is closed")

// WorkerPool maps batches of inputs to outputs on nWorkers goroutines shared
// by all callers of Process.
type WorkerPool[I, O any] struct {
	name    string
	batches chan batch[I, O]
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type batch[I, O any] struct {
	ctx     context.Context
	inputs  []I
	outputs []O
	f       func([]I, []O) error
	result  chan<- error
}

func NewWorkerPool[I, O any](name string, nWorkers int) *WorkerPool[I, O] {
	if nWorkers <= 0 {
		nWorkers = 1
	}
	p := &WorkerPool[I, O]{
		name:    name,
		batches: make(chan batch[I, O]),
		done:    make(chan struct{}),
	}
	p.wg.Add(nWorkers)
	for i := 0; i < nWorkers; i++ {
		go p.work()
	}
	return p
}

func (p *WorkerPool[I, O]) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case b := <-p.batches:
			if err := b.ctx.Err(); err != nil {
				b.result <- err
				continue
			}
			b.result <- b.f(b.inputs, b.outputs)
		}
	}
}

// Process cuts inputs into batches of at most batchSize and calls f on each,
// with the matching window of the returned outputs. The first error cancels
// the batches not started yet and is returned.
func (p *WorkerPool[I, O]) Process(ctx context.Context, inputs []I, f func([]I, []O) error, batchSize int) ([]O, error) {
	outputs := make([]O, len(inputs))
	if len(inputs) == 0 {
		return outputs, nil
	}
	if batchSize <= 0 {
		batchSize = len(inputs)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := (len(inputs) + batchSize - 1) / batchSize
	// buffered so that workers never wait on a caller that gave up
	results := make(chan error, n)
	sent := 0
	var err error
dispatch:
	for start := 0; start < len(inputs); start += batchSize {
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		b := batch[I, O]{ctx: ctx, inputs: inputs[start:end], outputs: outputs[start:end], f: f, result: results}
		// collect results while dispatching so an early failure stops the loop
		for {
			select {
			case p.batches <- b:
				sent++
				continue dispatch
			case e := <-results:
				sent--
				if e != nil && err == nil {
					err = e
					cancel()
					break dispatch
				}
			case <-ctx.Done():
				if err == nil {
					err = ctx.Err()
				}
				break dispatch
			case <-p.done:
				err = ErrPoolClosed
				break dispatch
			}
		}
	}
	for ; sent > 0; sent-- {
		if e := <-results; e != nil && err == nil {
			err = e
			cancel()
		}
	}
	batchesProcessed.WithLabelValues(p.name).Add(float64(n))
	return outputs, err
}

// Close stops the workers once they are done with their current batch.
// Calling Process afterwards fails with ErrPoolClosed.
func (p *WorkerPool[I, O]) Close() {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}
