package models

import (
	"time"

	"github.com/xaenox/tierchat/internal/tier"
)

// Account is the singleton per-installation account record.
type Account struct {
	Tier         tier.Tier  `json:"tier"`
	ImagesUsed   int        `json:"images_used"`
	LastPurchase *time.Time `json:"last_purchase,omitempty"`
	// PeriodStart anchors the rolling image-usage period.
	PeriodStart *time.Time `json:"period_start,omitempty"`
}

func DefaultAccount() Account {
	return Account{Tier: tier.Free}
}
