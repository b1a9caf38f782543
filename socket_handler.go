package ygggo_amysql

import (
	"log/slog"
	"time"
)

// socketHandler binds the operation currently running on a connection to the
// reactor: readiness of the native handle and the operation deadline are turned into
// reactor events. All fields are owned by the reactor goroutine; watcher goroutines
// and timers only post into it through RunInThread.
type socketHandler struct {
	client *Client
	op     *operationBase

	// readGen and timerGen invalidate events that were posted for an earlier
	// registration.
	readGen  uint64
	stop     chan struct{}
	timerGen uint64
	timer    *time.Timer
	deadline time.Time
}

func newSocketHandler(c *Client) *socketHandler {
	return &socketHandler{client: c}
}

func (s *socketHandler) setOperation(op *operationBase) {
	s.unregister()
	s.op = op
}

// scheduleTimeout arms the absolute deadline of the bound operation.
func (s *socketHandler) scheduleTimeout(deadline time.Time) {
	s.stopTimer()
	s.deadline = deadline
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(time.Until(deadline), func() {
		s.client.RunInThread(func() { s.timeoutExpired(gen) })
	})
}

// waitForActionable registers for the next readiness token of h.
func (s *socketHandler) waitForActionable(h NativeHandle) {
	s.stopWatch()
	s.readGen++
	gen := s.readGen
	stop := make(chan struct{})
	s.stop = stop
	notify := h.Notify()
	go func() {
		select {
		case <-notify:
			s.client.RunInThread(func() { s.handlerReady(gen) })
		case <-stop:
		}
	}()
}

func (s *socketHandler) handlerReady(gen uint64) {
	if s.op == nil || gen != s.readGen {
		return
	}
	s.readGen++
	s.stop = nil
	op := s.op
	if !s.deadline.IsZero() && !time.Now().Before(s.deadline) {
		op.timeoutTriggered()
		return
	}
	switch state := op.State(); state {
	case OperationStateCompleted, OperationStateUnstarted:
		s.client.invariantViolated("socket event for operation in invalid state",
			slog.String("operation_id", op.id),
			slog.String("state", state.String()))
	case OperationStateCancelling:
		op.finish(OperationResultCancelled)
	default:
		op.actionable()
	}
}

func (s *socketHandler) timeoutExpired(gen uint64) {
	if s.op == nil || gen != s.timerGen {
		return
	}
	s.op.timeoutTriggered()
}

// unregister drops all interest in events for the bound operation.
func (s *socketHandler) unregister() {
	s.stopWatch()
	s.readGen++
	s.stopTimer()
	s.timerGen++
	s.deadline = time.Time{}
	s.op = nil
}

func (s *socketHandler) stopWatch() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *socketHandler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
