package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"showingflow/showing"
)

// Stats counts what the actors observed. Transport errors are expected while chaos
// terminates backends, so they are tallied rather than failing the run.
type Stats struct {
	Created   atomic.Int64
	Accepted  atomic.Int64
	Completed atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d accepted=%d completed=%d rejected=%d transient=%d",
		s.Created.Load(), s.Accepted.Load(), s.Completed.Load(), s.Rejected.Load(), s.Transient.Load())
}

// Requester keeps filing showing requests for one requester.
func Requester(ctx context.Context, svc *showing.Service, requesterID string, stats *Stats, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.Create(ctx, showing.CreateInput{
			RequesterID: requesterID,
			Payload:     showing.Payload{PropertyAddress: fmt.Sprintf("%d Stress Ave", n)},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.Transient.Add(1)
		} else {
			stats.Created.Add(1)
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Acceptor plays one handler: it grabs offers it can see and sometimes completes them.
// Many acceptors race the timer worker over the same rows.
func Acceptor(ctx context.Context, pool *pgxpool.Pool, svc *showing.Service, handlerID string, stats *Stats, stop <-chan struct{}) error {
	const pick = `
		SELECT id::text FROM showing_requests
		WHERE status = 'pending' AND (is_public OR $1 = ANY (notified_handlers))
		ORDER BY random()
		LIMIT 1
	`
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		if err := pool.QueryRow(ctx, pick, handlerID).Scan(&id); err != nil {
			time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
			continue
		}

		// Hesitate a little so some offers time out first.
		time.Sleep(time.Duration(rand.Intn(1500)) * time.Millisecond)

		req, err := svc.Accept(ctx, id, handlerID)
		switch {
		case err == nil:
			stats.Accepted.Add(1)
		case errors.Is(err, showing.ErrAcceptForbidden), errors.Is(err, showing.ErrAlreadyAccepted), errors.Is(err, showing.ErrNotFound):
			stats.Rejected.Add(1)
			continue
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.Transient.Add(1)
			continue
		}

		if rand.Intn(2) == 0 {
			if _, err := svc.Complete(ctx, req.ID, handlerID, "stress"); err == nil {
				stats.Completed.Add(1)
			} else if ctx.Err() == nil {
				stats.Transient.Add(1)
			}
		}
	}
}
