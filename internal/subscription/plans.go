package subscription

import "github.com/gemchat/gemchat/internal/models"

// Plan describes a subscription tier as shown to clients.
type Plan struct {
	Tier          string   `json:"tier"`
	Name          string   `json:"name"`
	DailyMessages int      `json:"daily_messages"` // 0 means unlimited
	Features      []string `json:"features"`
}

// Plans supplies the per-tier daily message limits. The core never mutates
// subscription state; tier assignment belongs to the payment collaborator.
type Plans struct {
	basicDailyLimit int
}

func NewPlans(basicDailyLimit int) *Plans {
	if basicDailyLimit < 0 {
		basicDailyLimit = 0
	}
	return &Plans{basicDailyLimit: basicDailyLimit}
}

// DailyLimit returns the daily message limit for a tier and whether the
// tier is metered at all. Unknown tiers are treated as basic.
func (p *Plans) DailyLimit(tier string) (int, bool) {
	switch tier {
	case models.TierPro:
		return 0, false
	default:
		return p.basicDailyLimit, true
	}
}

func (p *Plans) List() []Plan {
	return []Plan{
		{
			Tier:          models.TierBasic,
			Name:          "Basic",
			DailyMessages: p.basicDailyLimit,
			Features: []string{
				"AI-powered chatrooms",
				"Limited daily messages",
			},
		},
		{
			Tier:          models.TierPro,
			Name:          "Pro",
			DailyMessages: 0,
			Features: []string{
				"AI-powered chatrooms",
				"Unlimited messages",
				"Priority processing",
			},
		},
	}
}
