package budget

import (
	"sort"

	"github.com/shopspring/decimal"
)

// CampaignBudget is a point-in-time view of one campaign account.
type CampaignBudget struct {
	CampaignID       int             `json:"campaign_id"`
	Total            decimal.Decimal `json:"total"`
	Spent            decimal.Decimal `json:"spent"`
	Reserved         decimal.Decimal `json:"reserved"`
	Available        decimal.Decimal `json:"available"`
	OpenReservations int             `json:"open_reservations"`
}

// Stats is a read-only snapshot of the ledger.
type Stats struct {
	TotalBudget   decimal.Decimal  `json:"total_budget"`
	TotalSpent    decimal.Decimal  `json:"total_spent"`
	TotalReserved decimal.Decimal  `json:"total_reserved"`
	Campaigns     []CampaignBudget `json:"campaigns"`
	Reserved      int64            `json:"reserved"`
	RaceLost      int64            `json:"race_lost"`
	Confirmed     int64            `json:"confirmed"`
	Released      int64            `json:"released"`
	Expired       int64            `json:"expired"`
	Duplicates    int64            `json:"duplicates"`
	Unknown       int64            `json:"unknown_campaign"`
}

// CampaignBudget returns the account view for one campaign.
func (l *Ledger) CampaignBudget(campaignID int) (CampaignBudget, bool) {
	a := l.account(campaignID)
	if a == nil {
		return CampaignBudget{}, false
	}
	return a.snapshot(campaignID), true
}

func (a *account) snapshot(id int) CampaignBudget {
	a.mu.Lock()
	defer a.mu.Unlock()
	return CampaignBudget{
		CampaignID:       id,
		Total:            a.total,
		Spent:            a.spent,
		Reserved:         a.reserved,
		Available:        a.available(),
		OpenReservations: a.open,
	}
}

// GetBudgetStatistics returns totals and per-campaign balances. Each account
// is read under its own lock, so the snapshot is consistent per campaign.
func (l *Ledger) GetBudgetStatistics() Stats {
	l.mu.RLock()
	ids := make([]int, 0, len(l.accounts))
	accounts := make([]*account, 0, len(l.accounts))
	for id, a := range l.accounts {
		ids = append(ids, id)
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	st := Stats{
		Campaigns:  make([]CampaignBudget, 0, len(ids)),
		Reserved:   l.reservedCount.Load(),
		RaceLost:   l.raceLostCount.Load(),
		Confirmed:  l.confirmedCount.Load(),
		Released:   l.releasedCount.Load(),
		Expired:    l.expiredCount.Load(),
		Duplicates: l.duplicateCount.Load(),
		Unknown:    l.rejectedUnknown.Load(),
	}
	for i, a := range accounts {
		cb := a.snapshot(ids[i])
		st.TotalBudget = st.TotalBudget.Add(cb.Total)
		st.TotalSpent = st.TotalSpent.Add(cb.Spent)
		st.TotalReserved = st.TotalReserved.Add(cb.Reserved)
		st.Campaigns = append(st.Campaigns, cb)
	}
	sort.Slice(st.Campaigns, func(i, j int) bool {
		return st.Campaigns[i].CampaignID < st.Campaigns[j].CampaignID
	})
	return st
}
