package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"k8s.io/klog/v2"
)

var (
	ErrOrchestratorStopped = errors.New("orchestrator is stopped")
	ErrQueueFull           = errors.New("job queue is full")
)

// Job 一次排队的训练运行，只执行一次，失败不自动重试
type Job struct {
	RunID      uint
	Speaker    string
	EnqueuedAt time.Time
	// Timeout 为 0 时不限时
	Timeout time.Duration
}

func NewRunJob(runID uint, speaker string, timeout time.Duration) *Job {
	return &Job{
		RunID:      runID,
		Speaker:    speaker,
		EnqueuedAt: time.Now(),
		Timeout:    timeout,
	}
}

// RunExecutor 执行单个训练运行
type RunExecutor interface {
	ExecuteRun(ctx context.Context, runID uint) error
}

// Orchestrator 有界 FIFO 队列 + ants 协程池，worker 数即训练并发上限
type Orchestrator struct {
	queue    *jobQueue
	pool     *ants.Pool
	executor RunExecutor

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	running     map[uint]context.CancelFunc
	runningLock sync.Mutex
}

func NewOrchestrator(maxWorkers, queueSize int, executor RunExecutor) (*Orchestrator, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	// 分发循环单线程提交，阻塞等待空闲 worker
	pool, err := ants.NewPool(maxWorkers,
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(5*time.Minute),
	)
	if err != nil {
		klog.Errorf("ants pool initialization failed: %v", err)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		queue:    newJobQueue(queueSize),
		pool:     pool,
		executor: executor,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[uint]context.CancelFunc),
	}, nil
}

func (o *Orchestrator) Start() {
	go o.dispatchLoop()
}

// Stop 不再接收新任务，取消运行中的训练并等待其退出
// 仍在队列中的运行保持 queued，由下次启动时的清理处理
func (o *Orchestrator) Stop(wait time.Duration) {
	o.stopOnce.Do(func() {
		klog.V(6).Infof("Orchestrator stopping...")

		o.cancel()
		o.queue.Close()

		if running := o.pool.Running(); running > 0 {
			klog.V(6).Infof("Waiting for %d running jobs to exit (timeout: %v)", running, wait)
		}
		if err := o.pool.ReleaseTimeout(wait); err != nil {
			klog.Warningf("Timeout after %v: some running jobs may be forced to stop", wait)
		}

		klog.V(6).Infof("Orchestrator stopped completely")
	})
}

func (o *Orchestrator) EnqueueJob(job *Job) error {
	if o.ctx.Err() != nil {
		return ErrOrchestratorStopped
	}

	if err := o.queue.Enqueue(job); err != nil {
		if errors.Is(err, ErrQueueFull) {
			klog.Warningf("Job queue full: runID=%d", job.RunID)
		}
		return err
	}
	klog.V(6).Infof("Job enqueued: runID=%d, speaker=%s", job.RunID, job.Speaker)
	return nil
}

// CancelRun 取消运行中的任务，任务不在运行时返回 false
func (o *Orchestrator) CancelRun(runID uint) bool {
	o.runningLock.Lock()
	cancel, ok := o.running[runID]
	o.runningLock.Unlock()
	if !ok {
		return false
	}

	klog.V(6).Infof("Cancelling run: runID=%d", runID)
	cancel()
	return true
}

func (o *Orchestrator) dispatchLoop() {
	for {
		job, ok := o.queue.Dequeue()
		if !ok {
			return
		}
		if err := o.pool.Submit(func() { o.executeJob(job) }); err != nil {
			// 只在池关闭后发生，运行留在 queued 状态
			klog.Errorf("提交任务到协程池失败: runID=%d, err=%v", job.RunID, err)
		}
	}
}

// executeJob 统一控制超时与取消
func (o *Orchestrator) executeJob(job *Job) {
	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	if job.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, job.Timeout)
		defer timeoutCancel()
	}

	o.runningLock.Lock()
	o.running[job.RunID] = cancel
	o.runningLock.Unlock()
	defer func() {
		o.runningLock.Lock()
		delete(o.running, job.RunID)
		o.runningLock.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Run panic recovered: runID=%d, err=%v", job.RunID, r)
		}
	}()

	klog.V(6).Infof("Run started: runID=%d, waited=%v", job.RunID, time.Since(job.EnqueuedAt))
	if err := o.executor.ExecuteRun(ctx, job.RunID); err != nil {
		klog.Errorf("任务执行失败: runID=%d, err=%v", job.RunID, err)
		return
	}
	klog.V(6).Infof("Run completed: runID=%d", job.RunID)
}

type QueueStatus struct {
	QueueLength   int `json:"queue_length"`
	ActiveWorkers int `json:"active_workers"`
	Capacity      int `json:"capacity"`
}

func (o *Orchestrator) GetQueueStatus() *QueueStatus {
	return &QueueStatus{
		QueueLength:   o.queue.Len(),
		ActiveWorkers: o.pool.Running(),
		Capacity:      o.pool.Cap(),
	}
}

// jobQueue FIFO，满时拒绝新任务
type jobQueue struct {
	maxSize int
	items   []*Job
	mutex   sync.Mutex
	cond    *sync.Cond
	closed  bool
}

func newJobQueue(maxSize int) *jobQueue {
	q := &jobQueue{maxSize: maxSize}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *jobQueue) Enqueue(job *Job) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return ErrOrchestratorStopped
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	q.items = append(q.items, job)
	q.cond.Signal()
	return nil
}

// Dequeue 阻塞直到有任务，队列关闭后返回 false
func (q *jobQueue) Dequeue() (*Job, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return job, true
}

func (q *jobQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

func (q *jobQueue) Close() {
	q.mutex.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mutex.Unlock()
}
