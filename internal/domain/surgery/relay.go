package surgery

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/ehr/caseregister/internal/platform/websocket"
)

// Topic is the websocket topic carrying case change events.
const Topic = "surgical_cases"

// Relay forwards store change events to a websocket publisher until the
// subscription channel closes or ctx is cancelled.
func Relay(ctx context.Context, events <-chan ChangeEvent, pub websocket.EventPublisher, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error().Err(err).Str("case_id", ev.CaseID.String()).Msg("encode change event")
				continue
			}
			err = pub.Publish(ctx, websocket.Event{
				Type:       "surgical_case." + string(ev.Type),
				Topic:      Topic,
				ResourceID: ev.CaseID.String(),
				Data:       data,
			})
			if err != nil {
				logger.Warn().Err(err).Str("case_id", ev.CaseID.String()).Msg("publish change event")
			}
		}
	}
}
