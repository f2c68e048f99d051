package wsrshare

import (
	"context"
	"sync"
)

// OnceActivateHandler activates an object. DoOnceActivate runs it at most once,
// with shutdown paused. A non-nil result leaves the object inactive and starts
// its shutdown.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by every object that embeds a ShutdownHelper
type OnceShutdownHandler interface {
	// HandleOnceShutdown runs exactly once, in its own goroutine, never while
	// shutdown is paused. completionErr is advisory; the returned error is the
	// final status reported by WaitShutdown.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is anything that can be shut down in the background and waited on
type AsyncShutdowner interface {
	// StartShutdown schedules shutdown with an advisory status. Later calls
	// have no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan is closed once shutdown is complete
	ShutdownDoneChan() <-chan struct{}

	// IsDoneShutdown reports whether shutdown is complete
	IsDoneShutdown() bool

	// WaitShutdown blocks until shutdown is complete and returns the final status
	WaitShutdown() error
}

// ShutdownHelper gives an object an activate-once, shut-down-once lifecycle.
//
// Shutdown goes through these steps, once:
//
//	scheduled  StartShutdown called (deferred while paused)
//	started    ShutdownStartedChan closed, HandleOnceShutdown running
//	handled    HandleOnceShutdown returned; children are told to shut down
//	done       children finished and ShutdownWG drained; ShutdownDoneChan closed
type ShutdownHelper struct {
	Logger

	// Lock guards the helper's state. Embedding objects may use it for their
	// own fields, but must not hold it while calling StartShutdown.
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	// guarded by Lock
	pauseCount  int
	isActivated bool
	isScheduled bool
	isStarted   bool
	isDone      bool
	shutdownErr error

	startedChan chan struct{}
	handledChan chan struct{}
	doneChan    chan struct{}

	wg sync.WaitGroup
}

// InitShutdownHelper prepares h to manage shutdownHandler. It must be called
// before any other method.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.startedChan = make(chan struct{})
	h.handledChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// runShutdown is called once, after isStarted was set under the lock
func (h *ShutdownHelper) runShutdown() {
	h.TLogf("shutdown started")
	close(h.startedChan)
	go func() {
		err := h.shutdownHandler.HandleOnceShutdown(h.advisoryErr())
		h.Lock.Lock()
		h.shutdownErr = err
		h.Lock.Unlock()
		close(h.handledChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDone = true
		h.Lock.Unlock()
		h.TLogf("shutdown done")
		close(h.doneChan)
	}()
}

func (h *ShutdownHelper) advisoryErr() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// PauseShutdown holds off the start of shutdown until the matching
// ResumeShutdown. StartShutdown may still be called meanwhile; it takes effect
// on resume. Fails once shutdown has started.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStarted {
		return h.Errorf("Shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown undoes one PauseShutdown, starting a shutdown scheduled meanwhile
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.pauseCount < 1 {
		h.Lock.Unlock()
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.pauseCount--
	startNow := h.pauseCount == 0 && h.isScheduled && !h.isStarted
	if startNow {
		h.isStarted = true
	}
	h.Lock.Unlock()

	if startNow {
		h.runShutdown()
	}
}

// IsActivated reports whether the object has been activated
func (h *ShutdownHelper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isActivated
}

// Activate marks the object active. It is a no-op if already active and fails
// once shutdown has started.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isActivated {
		return nil
	}
	if h.isStarted {
		return h.Errorf("Cannot activate; shutdown already initiated")
	}
	h.isActivated = true
	return nil
}

// DoOnceActivate runs onceActivateHandler with shutdown paused and activates the
// object if it succeeds. If the object is already active it returns nil at once.
// If the handler fails, or shutdown had already started, shutdown is started and
// an error returned; with waitOnFail it first waits for shutdown to finish.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStarted {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("Shutdown already started; cannot Activate")
		}
		return err
	}
	h.pauseCount++
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext starts shutdown with ctx.Err() when ctx is done. It does not block.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown reports whether shutdown has started (or finished)
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStarted
}

// IsDoneShutdown reports whether shutdown is complete
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDone
}

// ShutdownWG holds off completion of shutdown until every Add has a matching
// Done. Add must not be called after HandleOnceShutdown has returned.
func (h *ShutdownHelper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// ShutdownStartedChan is closed when shutdown starts
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.startedChan
}

// ShutdownDoneChan is closed when shutdown is complete
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// WaitShutdown blocks until shutdown is complete and returns the final status.
// It does not start shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.doneChan
	return h.advisoryErr()
}

// Shutdown starts shutdown if needed, waits for it, and returns the final status
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// StartShutdown schedules shutdown with an advisory status. Only the first call
// counts; if shutdown is paused it starts on the last ResumeShutdown.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	startNow := false
	h.Lock.Lock()
	if !h.isScheduled {
		h.shutdownErr = completionErr
		h.isScheduled = true
		startNow = h.pauseCount == 0
		h.isStarted = startNow
	}
	h.Lock.Unlock()

	if startNow {
		h.runShutdown()
	}
}

// Close shuts down with a nil advisory status and returns the final status
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild ties child's lifetime to h: once HandleOnceShutdown returns,
// child is shut down with h's status, and h is not done until child is. A child
// that finishes earlier on its own is simply released.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handledChan:
			child.StartShutdown(h.advisoryErr())
			child.WaitShutdown()
		}
	}()
}
