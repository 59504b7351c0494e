package sync

import (
	"context"
	"sort"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
)

// TypeGroup is the items of one type in upload order.
type TypeGroup struct {
	ItemType models.ItemType
	Items    []*models.QueueItem
}

// DetermineSyncPriority orders item groups for upload: crisis events first,
// then types by their highest item priority, then by insertion order. Items
// inside a group keep drain order.
func DetermineSyncPriority(itemsByType map[models.ItemType][]*models.QueueItem) []TypeGroup {
	groups := make([]TypeGroup, 0, len(itemsByType))
	for t, items := range itemsByType {
		if len(items) == 0 {
			continue
		}
		sorted := append([]*models.QueueItem(nil), items...)
		queue.SortForDrain(sorted)
		groups = append(groups, TypeGroup{ItemType: t, Items: sorted})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		ac, bc := a.ItemType == models.ItemCrisisEvent, b.ItemType == models.ItemCrisisEvent
		if ac != bc {
			return ac
		}
		if pa, pb := maxPriority(a.Items), maxPriority(b.Items); pa != pb {
			return pa > pb
		}
		if sa, sb := minSeq(a.Items), minSeq(b.Items); sa != sb {
			return sa < sb
		}
		return a.ItemType < b.ItemType
	})
	return groups
}

// GroupByType buckets items by item type.
func GroupByType(items []*models.QueueItem) map[models.ItemType][]*models.QueueItem {
	out := make(map[models.ItemType][]*models.QueueItem)
	for _, it := range items {
		out[it.ItemType] = append(out[it.ItemType], it)
	}
	return out
}

func maxPriority(items []*models.QueueItem) models.Priority {
	p := models.PriorityLow
	for _, it := range items {
		if it.Priority > p {
			p = it.Priority
		}
	}
	return p
}

func minSeq(items []*models.QueueItem) int64 {
	s := items[0].Seq
	for _, it := range items[1:] {
		if it.Seq < s {
			s = it.Seq
		}
	}
	return s
}

// planItems selects the items of a pass for strategy, in upload order.
func (c *Coordinator) planItems(ctx context.Context, userID string, strategy models.SyncStrategy) ([]*models.QueueItem, error) {
	var (
		items []*models.QueueItem
		err   error
	)
	switch strategy {
	case models.StrategyCriticalOnly:
		items, err = c.deps.Queue.DequeueBatch(ctx, userID, c.cfg.MaxItemsPerPass, queue.Filter{CrisisOnly: true})
	case models.StrategyPrioritySync:
		items, err = c.planPriority(ctx, userID)
	default:
		items, err = c.deps.Queue.DequeueBatch(ctx, userID, c.cfg.MaxItemsPerPass, queue.Filter{})
	}
	if err != nil {
		return nil, err
	}

	// batches follow global drain order so batch 0 carries crisis events;
	// type grouping happens per batch in SyncBatch
	queue.SortForDrain(items)
	return items, nil
}

// planPriority takes crisis and high priority items first and caps the
// normal and low priority remainder.
func (c *Coordinator) planPriority(ctx context.Context, userID string) ([]*models.QueueItem, error) {
	urgent, err := c.deps.Queue.DequeueBatch(ctx, userID, c.cfg.MaxItemsPerPass, queue.Filter{MinPriority: models.PriorityHigh})
	if err != nil {
		return nil, err
	}
	room := c.cfg.MaxItemsPerPass - len(urgent)
	if room > c.cfg.PriorityNormalCap {
		room = c.cfg.PriorityNormalCap
	}
	if room <= 0 {
		return urgent, nil
	}

	all, err := c.deps.Queue.DequeueBatch(ctx, userID, c.cfg.MaxItemsPerPass, queue.Filter{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "plan priority sync", err)
	}
	taken := make(map[string]bool, len(urgent))
	for _, it := range urgent {
		taken[it.TempID] = true
	}
	out := urgent
	for _, it := range all {
		if room == 0 {
			break
		}
		if taken[it.TempID] {
			continue
		}
		out = append(out, it)
		room--
	}
	return out, nil
}

// filterForStrategy drops items a resumed pass may no longer send under a
// degraded strategy. Crisis events are never dropped.
func filterForStrategy(items []*models.QueueItem, strategy models.SyncStrategy) []*models.QueueItem {
	if strategy != models.StrategyCriticalOnly {
		return items
	}
	out := items[:0:0]
	for _, it := range items {
		if it.IsCrisis() {
			out = append(out, it)
		}
	}
	return out
}
