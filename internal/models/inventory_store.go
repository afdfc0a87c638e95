package models

import (
	"errors"
	"sort"
	"sync/atomic"
)

// ErrNotFound is returned when an entity is not found in the store
var ErrNotFound = errors.New("entity not found")

// InventoryStore provides lock-free reads of campaigns and creatives for the
// bid path. Writers replace the whole snapshot, so readers always see a
// consistent view and never block.
type InventoryStore interface {
	// Read operations (hot path)
	GetCampaign(campaignID int) *Campaign
	CreativesForFormat(format string) []Creative
	GetAllCampaigns() []Campaign
	GetAllCreatives() []Creative

	// Write operations (reload and admin path)
	ReloadAll(campaigns []Campaign, creatives []Creative) error
	UpsertCampaign(campaign Campaign) error
	DeleteCampaign(campaignID int) error
}

// inventorySnapshot is immutable once stored.
type inventorySnapshot struct {
	campaigns     []Campaign
	campaignIndex map[int]*Campaign
	creatives     []Creative
	// creatives of live-able campaigns grouped by format, in creative id order
	byFormat map[string][]Creative
}

// InMemoryInventory implements InventoryStore with atomic snapshot swaps.
type InMemoryInventory struct {
	data atomic.Pointer[inventorySnapshot]
}

// NewInMemoryInventory creates an empty store.
func NewInMemoryInventory() *InMemoryInventory {
	s := &InMemoryInventory{}
	s.data.Store(buildSnapshot(nil, nil))
	return s
}

func buildSnapshot(campaigns []Campaign, creatives []Creative) *inventorySnapshot {
	snap := &inventorySnapshot{
		campaigns:     make([]Campaign, len(campaigns)),
		campaignIndex: make(map[int]*Campaign, len(campaigns)),
		creatives:     make([]Creative, len(creatives)),
		byFormat:      make(map[string][]Creative),
	}
	copy(snap.campaigns, campaigns)
	copy(snap.creatives, creatives)
	sort.Slice(snap.campaigns, func(i, j int) bool { return snap.campaigns[i].ID < snap.campaigns[j].ID })
	sort.Slice(snap.creatives, func(i, j int) bool { return snap.creatives[i].ID < snap.creatives[j].ID })

	for i := range snap.campaigns {
		snap.campaignIndex[snap.campaigns[i].ID] = &snap.campaigns[i]
	}
	for _, cr := range snap.creatives {
		if !cr.Active {
			continue
		}
		if _, ok := snap.campaignIndex[cr.CampaignID]; !ok {
			continue
		}
		snap.byFormat[cr.Format] = append(snap.byFormat[cr.Format], cr)
	}
	return snap
}

// GetCampaign retrieves a campaign by ID or nil.
func (s *InMemoryInventory) GetCampaign(campaignID int) *Campaign {
	return s.data.Load().campaignIndex[campaignID]
}

// CreativesForFormat returns the active creatives of the given format. The
// slice is shared with the snapshot and must not be modified.
func (s *InMemoryInventory) CreativesForFormat(format string) []Creative {
	return s.data.Load().byFormat[format]
}

// GetAllCampaigns returns a copy of all campaigns ordered by id.
func (s *InMemoryInventory) GetAllCampaigns() []Campaign {
	data := s.data.Load()
	out := make([]Campaign, len(data.campaigns))
	copy(out, data.campaigns)
	return out
}

// GetAllCreatives returns a copy of all creatives ordered by id.
func (s *InMemoryInventory) GetAllCreatives() []Creative {
	data := s.data.Load()
	out := make([]Creative, len(data.creatives))
	copy(out, data.creatives)
	return out
}

// ReloadAll atomically replaces the whole inventory.
func (s *InMemoryInventory) ReloadAll(campaigns []Campaign, creatives []Creative) error {
	s.data.Store(buildSnapshot(campaigns, creatives))
	return nil
}

// UpsertCampaign inserts or replaces a campaign, keeping its creatives.
func (s *InMemoryInventory) UpsertCampaign(campaign Campaign) error {
	for {
		current := s.data.Load()
		campaigns := make([]Campaign, 0, len(current.campaigns)+1)
		for _, c := range current.campaigns {
			if c.ID != campaign.ID {
				campaigns = append(campaigns, c)
			}
		}
		campaigns = append(campaigns, campaign)
		if s.data.CompareAndSwap(current, buildSnapshot(campaigns, current.creatives)) {
			return nil
		}
	}
}

// DeleteCampaign removes a campaign and its creatives.
func (s *InMemoryInventory) DeleteCampaign(campaignID int) error {
	for {
		current := s.data.Load()
		if _, ok := current.campaignIndex[campaignID]; !ok {
			return ErrNotFound
		}
		campaigns := make([]Campaign, 0, len(current.campaigns))
		for _, c := range current.campaigns {
			if c.ID != campaignID {
				campaigns = append(campaigns, c)
			}
		}
		creatives := make([]Creative, 0, len(current.creatives))
		for _, cr := range current.creatives {
			if cr.CampaignID != campaignID {
				creatives = append(creatives, cr)
			}
		}
		if s.data.CompareAndSwap(current, buildSnapshot(campaigns, creatives)) {
			return nil
		}
	}
}
