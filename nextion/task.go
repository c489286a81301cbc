package nextion

import (
	"context"
	"sync"

	"github.com/arloliu/go-nextion/logger"
)

// taskFunc performs one iteration of a task loop. It returns true to keep
// the loop running, or false to stop the goroutine.
type taskFunc func() bool

// taskManager manages the lifecycle of a group of background goroutines.
// The client runs the frame reader loop and the event dispatch loop under
// separate managers, so the firmware uploader can quiesce the reader alone.
//
// Cancelling the manager's context signals its loops to stop; stop() blocks
// until every goroutine has terminated. A fresh manager is created each time
// the loops are (re)started.
type taskManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
}

func newTaskManager(ctx context.Context, l logger.Logger) *taskManager {
	mgr := &taskManager{logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// start launches a named goroutine running fn until it returns false or the
// manager is stopped.
func (mgr *taskManager) start(name string, fn taskFunc) {
	mgr.logger.Debug("nextion: start task", "name", name)

	mgr.wg.Add(1)

	go func() {
		defer mgr.wg.Done()
		defer mgr.logger.Debug("nextion: task terminated", "name", name)

		for {
			select {
			case <-mgr.ctx.Done():
				return
			default:
			}

			if !fn() {
				return
			}
		}
	}()
}

// stop cancels all tasks and waits for them to terminate.
func (mgr *taskManager) stop() {
	mgr.cancel()
	mgr.wg.Wait()
}

// done exposes the cancellation channel for select loops inside tasks.
func (mgr *taskManager) done() <-chan struct{} {
	return mgr.ctx.Done()
}
