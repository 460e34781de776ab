package vm

import (
	"context"
	"errors"

	"github.com/bywise/go-bywise/log"
	"github.com/bywise/go-bywise/params"
)

// ErrPoolClosed is returned when an execution is requested after shutdown.
var ErrPoolClosed = errors.New("vm pool closed")

type job struct {
	inv    *Invocation
	host   Host
	result chan jobResult
}

type jobResult struct {
	res *Result
	err error
}

// Pool runs contract invocations on a fixed set of long-lived workers.
// Runtime construction is the expensive part of an execution, so invocations
// queue for a recycled worker instead of spawning goroutines ad hoc.
type Pool struct {
	jobs chan job
	quit chan struct{}
	log  log.Logger
}

// NewPool starts size workers; size <= 0 falls back to params.VMPoolSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = params.VMPoolSize
	}
	p := &Pool{
		jobs: make(chan job),
		quit: make(chan struct{}),
		log:  log.New("module", "vmpool"),
	}
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	p.log.Debug("Contract runtime pool started", "workers", size)
	return p
}

func (p *Pool) worker(id int) {
	for {
		select {
		case j := <-p.jobs:
			res, err := Execute(j.inv, j.host)
			j.result <- jobResult{res: res, err: err}
		case <-p.quit:
			return
		}
	}
}

// Run schedules one invocation and waits for its result.
func (p *Pool) Run(ctx context.Context, inv *Invocation, host Host) (*Result, error) {
	j := job{inv: inv, host: host, result: make(chan jobResult, 1)}
	select {
	case p.jobs <- j:
	case <-p.quit:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-j.result:
		return out.res, out.err
	case <-p.quit:
		return nil, ErrPoolClosed
	}
}

// Close stops all workers.
func (p *Pool) Close() {
	close(p.quit)
}
