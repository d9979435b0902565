package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates a random backend of the current database now and then. The change
// listener, the timer worker and the actors all have to survive losing their connection.
type Killer struct {
	Every  time.Duration
	OneIn  int
	Killed atomic.Int64
}

func (k *Killer) Run(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	every, oneIn := k.Every, k.OneIn
	if every <= 0 {
		every = 2 * time.Second
	}
	if oneIn <= 0 {
		oneIn = 5
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(oneIn) != 0 {
				continue
			}
			tag, err := pool.Exec(ctx, `
				SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
				ORDER BY random() LIMIT 1`)
			if err == nil && tag.RowsAffected() > 0 {
				k.Killed.Add(1)
			}
		}
	}
}
