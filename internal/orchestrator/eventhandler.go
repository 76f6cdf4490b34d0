package orchestrator

import (
	"sync/atomic"
	"time"

	"github.com/infinibay/infinization/internal/control"
	"github.com/infinibay/infinization/internal/events"
)

// controlEventKinds maps the subset of control-protocol events the
// orchestrator reconciles DB status against (§4.6) to broker event kinds.
var controlEventKinds = map[string]events.Kind{
	"SHUTDOWN":            events.KindControlEvent,
	"POWERDOWN":           events.KindControlEvent,
	"RESET":               events.KindControlEvent,
	"STOP":                events.KindControlEvent,
	"RESUME":              events.KindControlEvent,
	"SUSPEND":             events.KindControlEvent,
	"WAKEUP":              events.KindControlEvent,
	"DEVICE_DELETED":      events.KindControlEvent,
	"BLOCK_JOB_COMPLETED": events.KindControlEvent,
}

// eventHandler forwards a running VM's control-protocol events to the
// broker until detached. detach is idempotent and safe to call from
// exactly one place (Stop, or cleanup on failure) per attached handler.
// When installing is set, it also watches for the events that plausibly
// mark an unattended install concluding and publishes an install-progress
// completion event for them (§4.1 step 17) — the single consumer of
// eventCh, so install-progress and status-reconciliation never race over
// who gets which event.
type eventHandler struct {
	vmID     string
	eventCh  chan control.Event
	detached int32
	done     chan struct{}
}

// attachEventHandler starts draining eventCh and republishing each event
// under vmID through sink, until detach() is called or eventCh closes
// (the client disconnected).
func attachEventHandler(vmID string, eventCh chan control.Event, sink events.Sink, installing bool) *eventHandler {
	h := &eventHandler{vmID: vmID, eventCh: eventCh, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		installDone := !installing
		for evt := range eventCh {
			if !installDone && installCompletionEvents[evt.Name] {
				installDone = true
				sink.Publish(events.Event{
					VMID:      vmID,
					Kind:      events.KindInstallProgress,
					Data:      map[string]interface{}{"phase": "completed", "event": evt.Name},
					Timestamp: evt.Timestamp,
				})
			}
			if atomic.LoadInt32(&h.detached) == 1 {
				continue
			}
			kind, known := controlEventKinds[evt.Name]
			if !known {
				continue
			}
			data := map[string]interface{}{"event": evt.Name}
			for k, v := range evt.Data {
				data[k] = v
			}
			sink.Publish(events.Event{
				VMID:      vmID,
				Kind:      kind,
				Data:      data,
				Timestamp: evt.Timestamp,
			})
		}
	}()
	return h
}

// detach stops this handler from republishing further events. It does not
// close eventCh — that remains the control client's responsibility.
func (h *eventHandler) detach() {
	atomic.StoreInt32(&h.detached, 1)
}

// waitDone blocks until the drain goroutine exits (eventCh closed), bounded
// by timeout, so callers can bound shutdown latency.
func (h *eventHandler) waitDone(timeout time.Duration) {
	select {
	case <-h.done:
	case <-time.After(timeout):
	}
}
