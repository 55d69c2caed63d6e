package debug

import (
	"context"
	"database/sql"
	"time"

	"github.com/relaymesh/relay/internal/logger"
)

// PruneStaleState clears rows that only matter while they are current:
// rate-limit windows that already reset, and sessions whose TTL lapsed
// without an explicit end (dev-only helper).
func PruneStaleState(db *sql.DB) error {
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_reset_at_ms < ?`, now.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Infof("[Debug] Pruned expired rate_limits rows: %d", n)
	}

	res, err = db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = 'ended', ended_at = COALESCE(ended_at, ?), updated_at = ?
		 WHERE status != 'ended' AND expires_at < ?`,
		now.Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Infof("[Debug] Marked expired sessions ended: %d", n)
	}
	return nil
}
