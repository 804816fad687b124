package engine

import (
	"context"
	"fmt"
	"time"

	"rolemail/internal/ledger"
	"rolemail/internal/rules"
)

// resolve computes, for every rule, the users whose matching transition is at
// least the rule's delay old and who carry no processed marker for the rule's
// event. Results are merged per event; event order follows rule order
// (first-seen), user order within an event is the store's (ascending id).
//
// A user cannot match the same rule twice: the transition ledger keeps at
// most one row per user. The same user can be due for several distinct
// events in one pass.
func resolve(ctx context.Context, store ledger.Store, tbl *rules.Table, now time.Time) ([]DueEvent, error) {
	var (
		order []string
		byEv  = map[string][]int64{}
	)
	for _, r := range tbl.Rules() {
		cutoff := now.Add(-r.Delay)
		ids, err := store.DueUsers(ctx, r.OldRole, r.NewRole, r.Event, cutoff)
		if err != nil {
			return nil, fmt.Errorf("due users for %s->%s/%s: %w", r.OldRole, r.NewRole, r.Event, err)
		}
		if len(ids) == 0 {
			continue
		}
		if _, seen := byEv[r.Event]; !seen {
			order = append(order, r.Event)
		}
		byEv[r.Event] = append(byEv[r.Event], ids...)
	}

	out := make([]DueEvent, 0, len(order))
	for _, ev := range order {
		out = append(out, DueEvent{Event: ev, Users: byEv[ev]})
	}
	return out, nil
}
