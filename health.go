package redmux

import (
	"strconv"
	"time"

	"go.uber.org/zap"
)

// healthLoop runs alongside a session's reader and writer. Every
// HealthCheckInterval it pipelines a PING carrying a unique tag and waits up
// to one interval for the echo. Two consecutive misses fail the session with
// ErrPongTimeout.
//
// The ping is submitted straight into the queue rather than through Exec: a
// missed ping must only count a miss, not tear the session down the way a
// cancelled in-flight Exec would. A late echo settles the abandoned entry
// harmlessly.
func (c *Conn) healthLoop(sess *session) {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-sess.closedCh:
			return
		case <-ticker.C:
		}

		tag := "redmux-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		req := NewRequest(RequestConfig{
			CancelOnConnectionLost: true,
			CancelIfUnresponded:    true,
		})
		req.Push("PING", tag)
		var echo string
		sink := NewSink(Into(&echo))

		e := newQueuedReq(req, sink)
		c.mu.Lock()
		c.q.enqueue(e)
		c.mu.Unlock()
		c.wakeWriter()

		timer := time.NewTimer(c.cfg.HealthCheckInterval)
		ok := false
		var missErr error
		select {
		case <-e.doneCh:
			ok = e.err == nil && echo == tag
			missErr = e.err
		case <-sess.closedCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		timer.Stop()

		if ok {
			misses = 0
			continue
		}
		misses++
		c.log.Warn("health check missed",
			zap.Int("consecutive", misses),
			zap.Error(missErr))
		if misses >= 2 {
			sess.fail(ErrPongTimeout)
			return
		}
	}
}
