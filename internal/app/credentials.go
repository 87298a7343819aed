package app

import (
	"context"
	"time"

	"flightwatch/internal/credpool"
	"flightwatch/internal/eventbus"
	"flightwatch/internal/storage"
	logx "flightwatch/pkg/logx"
)

type credentialStore interface {
	CreditRecords(ctx context.Context) ([]storage.CreditRecord, error)
	Parks(ctx context.Context, now time.Time) ([]storage.KeyPark, error)
	SavePark(ctx context.Context, p storage.KeyPark) error
	ClearPark(ctx context.Context, suffix string) error
}

// restoreCredentials re-applies live parks and seeds last known credits,
// matching rows to keys by masked suffix. Expired parks are not returned
// by the store and are dropped here.
func restoreCredentials(ctx context.Context, st credentialStore, pool *credpool.Pool, now time.Time, log logx.Logger) (parks, credits int, err error) {
	bySuffix := map[string][]int{}
	for _, s := range pool.Statuses() {
		bySuffix[s.Suffix] = append(bySuffix[s.Suffix], s.Index)
	}

	rows, err := st.Parks(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range rows {
		idx, ok := bySuffix[p.Suffix]
		if !ok {
			log.Info("dropping park for unknown key", logx.String("suffix", p.Suffix))
			if err := st.ClearPark(ctx, p.Suffix); err != nil {
				log.Warn("clear stale park failed", logx.String("suffix", p.Suffix), logx.Err(err))
			}
			continue
		}
		for _, i := range idx {
			if err := pool.Park(i, p.ParkedUntil, p.Reason); err == nil {
				parks++
			}
		}
	}

	recs, err := st.CreditRecords(ctx)
	if err != nil {
		return parks, 0, err
	}
	for _, r := range recs {
		for _, i := range bySuffix[r.Suffix] {
			c := credpool.Credits{Consumed: r.Consumed, Remaining: r.Remaining, UpdatedAt: r.UpdatedAt}
			if _, err := pool.RecordCredits(i, c); err == nil {
				credits++
			}
		}
	}
	return parks, credits, nil
}

// persistCredentialEvents mirrors park and unpark events into the store
// until ctx ends or the channel closes.
func persistCredentialEvents(ctx context.Context, events <-chan eventbus.Event, st credentialStore, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			ce, isCred := ev.Data.(eventbus.CredentialEvent)
			if !isCred {
				continue
			}
			var err error
			switch ev.Type {
			case eventbus.CredentialParked:
				err = st.SavePark(ctx, storage.KeyPark{Suffix: ce.Suffix, ParkedUntil: ce.Until, Reason: ce.Reason, ParkedAt: ev.Time})
			case eventbus.CredentialUnparked:
				err = st.ClearPark(ctx, ce.Suffix)
			default:
				continue
			}
			if err != nil {
				log.Warn("persist credential state failed", logx.String("event", ev.Type), logx.String("suffix", ce.Suffix), logx.Err(err))
			}
		}
	}
}
