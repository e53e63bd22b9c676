package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archlab/labrunner/result"
	"github.com/archlab/labrunner/runner"
	"github.com/archlab/labrunner/submission"
)

const maxWaiting = 512

// ErrShutdown is returned for requests that were still queued, or submitted,
// after Shutdown
var ErrShutdown = errors.New("worker: shut down")

// Engine executes a single submission
type Engine interface {
	Run(context.Context, *submission.Submission, runner.Options) (*result.Result, error)
}

// Config defines worker configuration
type Config struct {
	Engine       Engine
	Parallelism  int
	Logger       *zap.Logger
	ExecObserver func(Response)
}

// Worker defines interface for executor
type Worker interface {
	Start()
	Submit(context.Context, *Request) <-chan Response
	Shutdown()
}

// worker defines executor worker
type worker struct {
	engine      Engine
	parallelism int
	logger      *zap.Logger

	execObserver func(Response)

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	workCh    chan workRequest
	done      chan struct{}

	// baseCtx is canceled by Shutdown and bounds every run
	baseCtx context.Context
	cancel  context.CancelFunc
}

type workRequest struct {
	*Request
	context.Context
	resultCh chan<- Response
}

// New creates new worker. Submissions run one at a time unless
// Parallelism says otherwise.
func New(conf Config) Worker {
	parallelism := conf.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		engine:       conf.Engine,
		parallelism:  parallelism,
		logger:       logger,
		execObserver: conf.ExecObserver,
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Start starts worker loops with given parallelism
func (w *worker) Start() {
	w.startOnce.Do(func() {
		w.workCh = make(chan workRequest, maxWaiting)
		w.done = make(chan struct{})
		w.wg.Add(w.parallelism)
		for i := 0; i < w.parallelism; i++ {
			go w.loop()
		}
	})
}

// Submit queues a single request. The response channel receives the
// context error when ctx is done before the request is queued, or
// ErrShutdown once the worker is shut down.
func (w *worker) Submit(ctx context.Context, req *Request) <-chan Response {
	ch := make(chan Response, 1)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if w.baseCtx.Err() != nil {
		ch <- Response{RequestID: req.RequestID, Error: ErrShutdown}
		return ch
	}
	select {
	case w.workCh <- workRequest{
		Request:  req,
		Context:  ctx,
		resultCh: ch,
	}:
	case <-ctx.Done():
		ch <- Response{RequestID: req.RequestID, Error: ctx.Err()}
	}
	return ch
}

// Shutdown cancels the running submissions, waits for the workers to
// return and fails the requests still in the queue
func (w *worker) Shutdown() {
	w.stopOnce.Do(func() {
		w.cancel()
		if w.done == nil {
			return
		}
		close(w.done)
		w.wg.Wait()
		for {
			select {
			case req := <-w.workCh:
				req.resultCh <- Response{RequestID: req.RequestID, Error: ErrShutdown}
			default:
				return
			}
		}
	})
}

func (w *worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		default:
		}
		select {
		case req := <-w.workCh:
			w.workDoRun(req)
		case <-w.done:
			return
		}
	}
}

func (w *worker) workDoRun(req workRequest) {
	ctx, cancel := context.WithCancel(req.Context)
	defer cancel()
	stop := context.AfterFunc(w.baseCtx, cancel)
	defer stop()

	rt := Response{RequestID: req.RequestID}
	if w.baseCtx.Err() != nil {
		rt.Error = ErrShutdown
	} else if err := ctx.Err(); err != nil {
		rt.Error = err
	} else {
		start := time.Now()
		rt.Result, rt.Error = w.engine.Run(ctx, req.Submission, req.Options)
		rt.Time = time.Since(start)
	}
	w.logger.Debug("request finished", zap.Stringer("response", rt))
	if w.execObserver != nil {
		w.execObserver(rt)
	}
	req.resultCh <- rt
}
