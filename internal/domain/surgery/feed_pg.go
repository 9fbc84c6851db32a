package surgery

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/ehr/caseregister/internal/platform/db"
)

// ChangeFeedPG decodes NOTIFY payloads published by the surgical_cases and
// deferral_history triggers.
type ChangeFeedPG struct {
	listener *db.Listener
	logger   zerolog.Logger
}

func NewChangeFeedPG(listener *db.Listener, logger zerolog.Logger) *ChangeFeedPG {
	return &ChangeFeedPG{listener: listener, logger: logger}
}

func (f *ChangeFeedPG) Changes(ctx context.Context) (<-chan RemoteChange, error) {
	out := make(chan RemoteChange, 64)
	notes := f.listener.Listen(ctx)
	go func() {
		defer close(out)
		for n := range notes {
			rc, ok := toRemoteChange(n)
			if !ok {
				f.logger.Warn().Str("payload", n.Payload).Msg("ignoring malformed change notification")
				continue
			}
			select {
			case out <- rc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// toRemoteChange maps a listener notification onto the feed. A fresh LISTEN
// becomes a resync request.
func toRemoteChange(n db.Notification) (RemoteChange, bool) {
	if n.Subscribed {
		return RemoteChange{Op: ChangeResync}, true
	}
	return decodeChange(n.Payload)
}

func decodeChange(payload string) (RemoteChange, bool) {
	var rc RemoteChange
	if err := json.Unmarshal([]byte(payload), &rc); err != nil {
		return rc, false
	}
	switch rc.Op {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
	default:
		return rc, false
	}
	if rc.Table != TableCases && rc.Table != TableDeferrals {
		return rc, false
	}
	return rc, true
}
