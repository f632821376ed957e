package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gemchat/gemchat/internal/models"
	"github.com/gemchat/gemchat/internal/subscription"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// One named in-memory DB per test: shared across the connection pool,
	// isolated between tests.
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared&_pragma=busy_timeout(10000)"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, tier string, count int, date string) *models.User {
	t.Helper()
	u := &models.User{
		Email:             tier + "-" + date + "@example.com",
		Username:          "tester",
		PasswordHash:      "x",
		SubscriptionTier:  tier,
		DailyMessageCount: count,
		LastMessageDate:   date,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

func countOf(t *testing.T, db *gorm.DB, id uint64) int {
	t.Helper()
	var u models.User
	require.NoError(t, db.First(&u, id).Error)
	return u.DailyMessageCount
}

func TestAdmit_LimitBoundary(t *testing.T) {
	db := openTestDB(t)
	gate := NewGate(db, subscription.NewPlans(5))
	today := time.Now().Format("2006-01-02")

	u := seedUser(t, db, models.TierBasic, 4, today)

	// 4/5 used: fifth send is admitted and lands exactly on the limit
	require.NoError(t, gate.Admit(context.Background(), u.ID, u.SubscriptionTier))
	require.Equal(t, 5, countOf(t, db, u.ID))

	// sixth send is rejected and the count is unchanged
	err := gate.Admit(context.Background(), u.ID, u.SubscriptionTier)
	require.ErrorIs(t, err, ErrExceeded)
	require.Equal(t, 5, countOf(t, db, u.ID))
}

func TestAdmit_DayRolloverResets(t *testing.T) {
	db := openTestDB(t)
	gate := NewGate(db, subscription.NewPlans(5))

	u := seedUser(t, db, models.TierBasic, 5, "2026-08-30")

	// at the limit yesterday; rollover resets before the increment
	gate.now = func() time.Time {
		return time.Date(2026, 8, 31, 0, 0, 1, 0, time.UTC)
	}
	require.NoError(t, gate.Admit(context.Background(), u.ID, u.SubscriptionTier))
	require.Equal(t, 1, countOf(t, db, u.ID))

	var stored models.User
	require.NoError(t, db.First(&stored, u.ID).Error)
	require.Equal(t, "2026-08-31", stored.LastMessageDate)
}

func TestAdmit_UnlimitedTierBypassesCounter(t *testing.T) {
	db := openTestDB(t)
	gate := NewGate(db, subscription.NewPlans(5))
	today := time.Now().Format("2006-01-02")

	u := seedUser(t, db, models.TierPro, 999, today)

	require.NoError(t, gate.Admit(context.Background(), u.ID, u.SubscriptionTier))
	require.Equal(t, 999, countOf(t, db, u.ID))
}

func TestAdmit_UnknownUserReadsAsExceeded(t *testing.T) {
	db := openTestDB(t)
	gate := NewGate(db, subscription.NewPlans(5))

	// callers must authenticate the id first; a row that does not exist
	// matches neither conditional UPDATE
	err := gate.Admit(context.Background(), 9999, models.TierBasic)
	require.ErrorIs(t, err, ErrExceeded)
}

func TestAdmit_ConcurrentSubmissions(t *testing.T) {
	db := openTestDB(t)
	gate := NewGate(db, subscription.NewPlans(5))
	today := time.Now().Format("2006-01-02")

	u := seedUser(t, db, models.TierBasic, 2, today)

	// 3 slots remain; 10 simultaneous sends must admit exactly 3
	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := gate.Admit(context.Background(), u.ID, u.SubscriptionTier)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, admitted)
	require.Equal(t, n-3, rejected)
	require.Equal(t, 5, countOf(t, db, u.ID))
}
