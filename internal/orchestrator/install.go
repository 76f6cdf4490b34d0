package orchestrator

import "github.com/infinibay/infinization/internal/events"

// installCompletionEvents are the control-protocol events that plausibly
// signal an unattended install concluding: the guest rebooting out of the
// installer (RESET) or shutting itself down at the end of a one-shot
// installer script (SHUTDOWN) (§4.1 step 17).
var installCompletionEvents = map[string]bool{
	"RESET":    true,
	"SHUTDOWN": true,
}

// statusEvent builds the broker event published on a DB status change.
func (o *Orchestrator) statusEvent(vmID, status string) events.Event {
	return events.Event{
		VMID:      vmID,
		Kind:      events.KindStatusChanged,
		Data:      map[string]interface{}{"status": status},
		Timestamp: o.Clock.Now(),
	}
}
