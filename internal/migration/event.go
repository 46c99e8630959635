package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maci0/qmpmux/internal/mux"
)

// waitForQMPEvent blocks until vmid's QMP socket reports an event named
// eventName, or timeout elapses. The mux Client has no blocking single-socket
// read loop of its own: events only surface as a side effect of Execute
// processing traffic on a session, so this drives that side effect by issuing
// a lightweight poll command (query-status) in a loop, giving any pending
// event a chance to be delivered on each round trip.
func waitForQMPEvent(ctx context.Context, client *mux.Client, vmid, eventName string, timeout time.Duration) error {
	seen := make(chan struct{}, 1)
	client.OnEvent(func(v string, event json.RawMessage) {
		if v != vmid {
			return
		}
		var obj struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(event, &obj); err != nil {
			return
		}
		if obj.Event == eventName {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
	})
	defer client.OnEvent(nil)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(MigrationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-seen:
			return nil
		default:
		}

		if _, err := client.Cmd(ctx, vmid, "query-status", nil, MigrationPollInterval); err != nil {
			if !isMuxTimeout(err) {
				return fmt.Errorf("polling for %s event: %w", eventName, err)
			}
		}

		select {
		case <-seen:
			return nil
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s event after %v", eventName, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// isMuxTimeout reports whether err is a mux.Error of kind ErrTimeout, which
// query-status's own poll command can legitimately hit on a busy or paused
// VM without that being fatal to the outer event wait.
func isMuxTimeout(err error) bool {
	for err != nil {
		if e, ok := err.(*mux.Error); ok {
			return e.Kind == mux.ErrTimeout
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
