package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must come back empty while the system runs.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_assigned_was_notified",
			SQL: `SELECT id FROM showing_requests
                  WHERE assigned_handler_id IS NOT NULL
                    AND NOT (assigned_handler_id = ANY (notified_handlers))`,
		},
		{
			Name: "O2_acceptor_was_offered",
			SQL: `SELECT id FROM showing_requests
                  WHERE accepted_by IS NOT NULL
                    AND NOT is_public
                    AND NOT (accepted_by = ANY (notified_handlers))`,
		},
		{
			Name: "O3_event_seq_contiguous",
			SQL: `WITH s AS (
                      SELECT request_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY request_id ORDER BY seq) AS rn
                      FROM showing_events)
                  SELECT * FROM s WHERE seq <> rn`,
		},
		{
			Name: "O4_candidate_index_in_range",
			SQL: `SELECT r.id FROM showing_requests r
                  WHERE NOT r.is_public
                    AND r.current_candidate_index IS NOT NULL
                    AND r.current_candidate_index >= (
                        SELECT COUNT(*) FROM preferred_agents p WHERE p.requester_id = r.requester_id)`,
		},
		{
			Name: "O5_notified_unique",
			SQL: `SELECT id FROM showing_requests
                  WHERE cardinality(notified_handlers) <> (
                      SELECT COUNT(DISTINCT h) FROM unnest(notified_handlers) AS h)`,
		},
		{
			Name: "O6_lifecycle_timestamps",
			SQL: `SELECT id FROM showing_requests
                  WHERE (status IN ('accepted', 'completed') AND (accepted_by IS NULL OR accepted_at IS NULL))
                     OR (status = 'completed' AND completed_at IS NULL)
                     OR (status = 'pending' AND accepted_by IS NOT NULL)`,
		},
		{
			Name: "O7_timers_drained",
			SQL: `SELECT t.request_id FROM escalation_timers t
                  JOIN showing_requests r ON r.id = t.request_id
                  WHERE r.status <> 'pending'
                    AND t.fire_at < now() - interval '30 seconds'`,
		},
		{
			Name: "O8_intake_started",
			SQL: `SELECT id FROM showing_requests
                  WHERE status = 'pending'
                    AND escalation_started_at IS NULL
                    AND NOT is_public
                    AND created_at < now() - interval '45 seconds'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
