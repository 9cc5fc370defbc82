package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	supa "github.com/R3E-Network/evidence_layer/infra/supabase"
	"github.com/R3E-Network/evidence_layer/internal/feed"
)

// RelayRealtime joins the evidence table's postgres_changes on rt and feeds
// them into the store's hub, so subscribers see writes made by other
// processes. Local writes are published twice; subscriptions drop the
// duplicate by version.
func (s *Store) RelayRealtime(ctx context.Context, rt *supa.RealtimeClient) (*supa.Channel, error) {
	ch, err := rt.SubscribePostgresChanges(ctx, supa.PostgresChangesConfig{
		Event: supa.ChangeAll,
		Table: tableEvidence,
	}, s.relayChange)
	if err != nil {
		return nil, fmt.Errorf("subscribe evidence changes: %w", err)
	}
	return ch, nil
}

func (s *Store) relayChange(c supa.Change) {
	ev, err := changeEvent(c)
	if err != nil {
		s.log.WithError(err).WithField("table", c.Table).Warn("dropping realtime change")
		return
	}
	_ = s.hub.Publish(context.Background(), ev)
}

func changeEvent(c supa.Change) (feed.Event, error) {
	raw := c.Record
	op := feed.Op(c.Type)
	switch c.Type {
	case supa.ChangeInsert, supa.ChangeUpdate:
	case supa.ChangeDelete:
		raw = c.OldRecord
	default:
		return feed.Event{}, fmt.Errorf("unknown change type %q", c.Type)
	}
	if len(raw) == 0 {
		return feed.Event{}, fmt.Errorf("%s change without a row", c.Type)
	}

	var row evidenceRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return feed.Event{}, fmt.Errorf("decode change row: %w", err)
	}
	at := c.CommitAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return feed.Event{Op: op, Record: row.record(), At: at}, nil
}
