package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mozilla-services/wimms/internal/wimms"
)

// nodeScore ranks a candidate by relative load: ln(current_load/capacity).
// A completely idle node scores -Inf and is always preferred. Logarithmic
// relative load spreads new assignments toward proportionally idle nodes,
// which biases correctly across heterogeneous node capacities.
func nodeScore(currentLoad, capacity int) float64 {
	if currentLoad <= 0 {
		return math.Inf(-1)
	}
	return math.Log(float64(currentLoad) / float64(capacity))
}

type candidate struct {
	node        string
	currentLoad int
	capacity    int
	score       float64
}

// Allocate selects the least relatively loaded healthy node for the
// service and reserves one slot on it: available is decremented and
// current_load incremented in the same conditional update that makes
// the selection final, so concurrent callers can never both take the
// last slot. Candidates are tried in score order (ties broken by node
// address ascending); if every guarded update loses its race or no
// node passes the filter, the call fails with ErrNoNodeAvailable.
func (s *Store) Allocate(ctx context.Context, service string) (string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return "", backend("allocate", err)
	}
	defer tx.Rollback()

	var serviceID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM services WHERE service = ?`, service).Scan(&serviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", wimms.ErrUnknownService, service)
	}
	if err != nil {
		return "", backend("allocate", err)
	}

	// Ordered by relative load so the window always holds the
	// best-scored candidates; ln is monotonic over the ratio.
	rows, err := tx.QueryContext(
		ctx,
		`SELECT node, current_load, capacity
		 FROM nodes
		 WHERE service = ?
		   AND available > 0
		   AND current_load < capacity
		   AND downed = 0
		 ORDER BY current_load * 1.0 / capacity ASC, node ASC
		 LIMIT ?`,
		service,
		s.candidateLimit,
	)
	if err != nil {
		return "", backend("allocate", err)
	}

	candidates := make([]candidate, 0, s.candidateLimit)
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.node, &c.currentLoad, &c.capacity); err != nil {
			rows.Close()
			return "", backend("allocate", err)
		}
		c.score = nodeScore(c.currentLoad, c.capacity)
		candidates = append(candidates, c)
	}
	if err := rows.Close(); err != nil {
		return "", backend("allocate", err)
	}
	if err := rows.Err(); err != nil {
		return "", backend("allocate", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].node < candidates[j].node
	})

	for _, c := range candidates {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE nodes
			 SET available = available - 1, current_load = current_load + 1
			 WHERE service = ? AND node = ?
			   AND available > 0
			   AND current_load < capacity
			   AND downed = 0`,
			service,
			c.node,
		)
		if err != nil {
			return "", backend("allocate", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return "", backend("allocate", err)
		}
		if affected == 0 {
			continue
		}
		if err := tx.Commit(); err != nil {
			return "", backend("allocate", err)
		}
		return c.node, nil
	}

	return "", fmt.Errorf("%w: %s", wimms.ErrNoNodeAvailable, service)
}
