package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jeremycline/fedora-notifications/errs"
	"github.com/jeremycline/fedora-notifications/internal/schema"
)

const (
	usersSelectSQL = `
SELECT id, username
FROM users
ORDER BY id;
`
	channelsSelectSQL = `
SELECT user_id, kind, address, enabled
FROM channels
ORDER BY user_id, id;
`
	rulesSelectSQL = `
SELECT user_id, topic_pattern, min_severity, only_mine
FROM rules
ORDER BY user_id, id;
`
)

// Reader loads the full subscriber snapshot. The dispatcher caches snapshots
// and tolerates staleness up to its refresh interval, so Reader never needs
// per-row lookups.
type Reader struct {
	pool *pgxpool.Pool
}

// NewReader constructs a Reader backed by the provided pgx pool.
func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// Subscribers returns every registered subscriber with channels and rules in
// registration order. Any database failure maps to store_unavailable so the
// caller requeues the message instead of dropping it.
func (r *Reader) Subscribers(ctx context.Context) ([]schema.Subscriber, error) {
	if r.pool == nil {
		return nil, errs.New(component, errs.CodeStoreUnavailable,
			errs.WithMessage("nil pool"))
	}

	subscribers, byID, err := r.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.loadChannels(ctx, subscribers, byID); err != nil {
		return nil, err
	}
	if err := r.loadRules(ctx, subscribers, byID); err != nil {
		return nil, err
	}
	return subscribers, nil
}

func (r *Reader) loadUsers(ctx context.Context) ([]schema.Subscriber, map[int64]int, error) {
	rows, err := r.pool.Query(ctx, usersSelectSQL)
	if err != nil {
		return nil, nil, storeErr("select users", err)
	}
	defer rows.Close()

	var subscribers []schema.Subscriber
	byID := make(map[int64]int)
	for rows.Next() {
		var id int64
		var username string
		if err := rows.Scan(&id, &username); err != nil {
			return nil, nil, storeErr("scan user", err)
		}
		byID[id] = len(subscribers)
		subscribers = append(subscribers, schema.Subscriber{Name: username})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, storeErr("iterate users", err)
	}
	return subscribers, byID, nil
}

func (r *Reader) loadChannels(ctx context.Context, subscribers []schema.Subscriber, byID map[int64]int) error {
	rows, err := r.pool.Query(ctx, channelsSelectSQL)
	if err != nil {
		return storeErr("select channels", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID int64
		var kind, address string
		var enabled bool
		if err := rows.Scan(&userID, &kind, &address, &enabled); err != nil {
			return storeErr("scan channel", err)
		}
		idx, ok := byID[userID]
		if !ok {
			continue
		}
		subscribers[idx].Channels = append(subscribers[idx].Channels, schema.ChannelPreference{
			Kind:    schema.ChannelKind(kind),
			Address: address,
			Enabled: enabled,
		})
	}
	if err := rows.Err(); err != nil {
		return storeErr("iterate channels", err)
	}
	return nil
}

func (r *Reader) loadRules(ctx context.Context, subscribers []schema.Subscriber, byID map[int64]int) error {
	rows, err := r.pool.Query(ctx, rulesSelectSQL)
	if err != nil {
		return storeErr("select rules", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID int64
		var pattern, minSeverity string
		var onlyMine bool
		if err := rows.Scan(&userID, &pattern, &minSeverity, &onlyMine); err != nil {
			return storeErr("scan rule", err)
		}
		idx, ok := byID[userID]
		if !ok {
			continue
		}
		subscribers[idx].Rules = append(subscribers[idx].Rules, schema.Rule{
			Topic:       pattern,
			MinSeverity: schema.ParseSeverity(minSeverity),
			Mine:        onlyMine,
		})
	}
	if err := rows.Err(); err != nil {
		return storeErr("iterate rules", err)
	}
	return nil
}

func storeErr(message string, cause error) error {
	return errs.New(component, errs.CodeStoreUnavailable,
		errs.WithMessage(message), errs.WithCause(cause))
}
