package quota

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/gemchat/gemchat/internal/models"
	"github.com/gemchat/gemchat/internal/subscription"
)

// ErrExceeded is a user error, not a system failure; callers map it to 429.
var ErrExceeded = errors.New("quota: daily message limit reached")

// Gate decides whether a user may send another message today.
//
// Both writes below are single conditional UPDATEs so that concurrent
// submissions by the same user serialize on the row without any
// application-level lock: the rollover reset is idempotent, and the
// increment only lands while the count is still below the limit.
type Gate struct {
	db    *gorm.DB
	plans *subscription.Plans
	now   func() time.Time
}

func NewGate(db *gorm.DB, plans *subscription.Plans) *Gate {
	return &Gate{db: db, plans: plans, now: time.Now}
}

// Admit requires userID to reference an existing user (the auth middleware
// guarantees this); a nonexistent row matches neither UPDATE and reads as
// ErrExceeded.
func (g *Gate) Admit(ctx context.Context, userID uint64, tier string) error {
	limit, metered := g.plans.DailyLimit(tier)
	if !metered {
		return nil
	}
	if limit <= 0 {
		return ErrExceeded
	}

	today := g.now().Format("2006-01-02")

	// Day rollover: reset the counter exactly once per day. Every concurrent
	// submission may issue this statement; only the first one matches.
	if err := g.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND last_message_date <> ?", userID, today).
		Updates(map[string]any{
			"daily_message_count": 0,
			"last_message_date":   today,
		}).Error; err != nil {
		return err
	}

	// Admission and consumption in one statement: increment-if-below-limit.
	res := g.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND daily_message_count < ?", userID, limit).
		UpdateColumn("daily_message_count", gorm.Expr("daily_message_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrExceeded
	}
	return nil
}
