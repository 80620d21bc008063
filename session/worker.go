package session

import (
	"context"
	"fmt"
	"sync"
)

// Completion is the one message a Worker job produces.
type Completion struct {
	Op    string
	Value any
	Err   error
}

// Worker runs jobs off the caller's goroutine and reports each result as a
// Completion. Jobs are not cancelled once started; the context only lets
// jobs that check it stop early.
type Worker struct {
	ctx     context.Context
	sem     chan struct{}
	results chan Completion
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWorker returns a Worker running at most limit jobs at a time. A limit
// below one means one.
func NewWorker(ctx context.Context, limit int) *Worker {
	if limit < 1 {
		limit = 1
	}
	return &Worker{
		ctx:     context.WithoutCancel(ctx),
		sem:     make(chan struct{}, limit),
		results: make(chan Completion),
	}
}

// Results delivers completions in finishing order. It is closed after Close
// once every job has reported.
func (w *Worker) Results() <-chan Completion { return w.results }

// Go starts fn. It must not be called after Close.
func (w *Worker) Go(op string, fn func(ctx context.Context) (any, error)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sem <- struct{}{}
		c := run(w.ctx, op, fn)
		<-w.sem
		w.results <- c
	}()
}

func run(ctx context.Context, op string, fn func(context.Context) (any, error)) (c Completion) {
	c.Op = op
	defer func() {
		if r := recover(); r != nil {
			c.Err = fmt.Errorf("%s: panic: %v", op, r)
		}
	}()
	c.Value, c.Err = fn(ctx)
	return c
}

// Close stops accepting jobs and closes Results after the last completion.
func (w *Worker) Close() {
	w.once.Do(func() {
		go func() {
			w.wg.Wait()
			close(w.results)
		}()
	})
}
