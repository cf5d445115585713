package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolClosed is returned for requests submitted after Shutdown
var ErrPoolClosed = errors.New("inference pool is shut down")

// Request is one queued chat turn
type Request struct {
	ID       string
	Chat     *ChatRequest
	Callback func(*Result) // Called when completed
	Context  context.Context
}

// Result holds the outcome of a queued chat turn
type Result struct {
	Response *ChatResponse
	Latency  time.Duration
	Error    error
}

// Pool bounds the number of concurrent model calls.
// It is itself a ChatModel so it can wrap any provider transparently.
type Pool struct {
	model     ChatModel
	workers   int
	queue     chan *Request
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	semaphore chan struct{} // Limits concurrent requests
	metrics   *PoolMetrics
	closed    bool
	mu        sync.RWMutex
}

// PoolMetrics tracks pool performance
type PoolMetrics struct {
	TotalRequests   int64
	CompletedOK     int64
	CompletedError  int64
	AverageLatency  time.Duration
	TotalLatency    time.Duration
	CurrentInflight int
	mu              sync.RWMutex
}

// NewPool starts workers calling model. Sizing comes from config.
func NewPool(model ChatModel, config *Config) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	workers := max(1, config.Workers)
	queueSize := max(1, config.QueueSize)
	maxConcurrent := max(1, config.MaxConcurrent)

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		model:     model,
		workers:   workers,
		queue:     make(chan *Request, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		semaphore: make(chan struct{}, maxConcurrent),
		metrics:   &PoolMetrics{},
	}

	// Start workers
	for i := 0; i < pool.workers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}

	return pool
}

// Model returns the wrapped model name
func (p *Pool) Model() string {
	return p.model.Model()
}

// Chat queues a chat turn and waits for it
func (p *Pool) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	result, err := p.SubmitSync(ctx, req)
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

// worker processes requests from the queue
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case req, ok := <-p.queue:
			if !ok {
				return
			}
			p.processRequest(req)
		}
	}
}

// processRequest handles a single chat turn
func (p *Pool) processRequest(req *Request) {
	// Acquire semaphore slot
	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-req.Context.Done():
		// Request cancelled while waiting for semaphore
		if req.Callback != nil {
			req.Callback(&Result{Error: req.Context.Err()})
		}
		return
	}

	p.metrics.mu.Lock()
	p.metrics.CurrentInflight++
	p.metrics.mu.Unlock()

	defer func() {
		p.metrics.mu.Lock()
		p.metrics.CurrentInflight--
		p.metrics.mu.Unlock()
	}()

	startTime := time.Now()
	resp, err := p.model.Chat(req.Context, req.Chat)
	latency := time.Since(startTime)

	p.updateMetrics(latency, err == nil)

	if req.Callback != nil {
		req.Callback(&Result{Response: resp, Latency: latency, Error: err})
	}
}

// updateMetrics updates pool metrics
func (p *Pool) updateMetrics(latency time.Duration, success bool) {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()

	p.metrics.TotalRequests++
	if success {
		p.metrics.CompletedOK++
	} else {
		p.metrics.CompletedError++
	}

	p.metrics.TotalLatency += latency
	p.metrics.AverageLatency = p.metrics.TotalLatency / time.Duration(p.metrics.TotalRequests)
}

// Submit queues a request without waiting
func (p *Pool) Submit(req *Request) error {
	if req.Context == nil {
		req.Context = p.ctx
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- req:
		return nil
	case <-req.Context.Done():
		return req.Context.Err()
	default:
		return fmt.Errorf("inference queue full (%d pending)", len(p.queue))
	}
}

// SubmitSync submits a request and waits for the result
func (p *Pool) SubmitSync(ctx context.Context, chat *ChatRequest) (*Result, error) {
	resultChan := make(chan *Result, 1)

	req := &Request{
		ID:      fmt.Sprintf("sync-%d", time.Now().UnixNano()),
		Chat:    chat,
		Context: ctx,
		Callback: func(result *Result) {
			resultChan <- result
		},
	}

	if err := p.Submit(req); err != nil {
		return nil, err
	}

	select {
	case result := <-resultChan:
		return result, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetMetrics returns current pool metrics
func (p *Pool) GetMetrics() PoolMetrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	return PoolMetrics{
		TotalRequests:   p.metrics.TotalRequests,
		CompletedOK:     p.metrics.CompletedOK,
		CompletedError:  p.metrics.CompletedError,
		AverageLatency:  p.metrics.AverageLatency,
		TotalLatency:    p.metrics.TotalLatency,
		CurrentInflight: p.metrics.CurrentInflight,
	}
}

// QueueLength returns the current queue length
func (p *Pool) QueueLength() int {
	return len(p.queue)
}

// Shutdown stops accepting requests and waits for queued ones to finish
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
