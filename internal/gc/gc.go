// Package gc implements Inventory GC: expiring inactive contacts and
// evicting excess cache entries on priority downgrade (spec.md §4.6). The
// downgrade-trim half of this responsibility lives in
// Inventory.SetContactPriority itself; this package owns the periodic
// inactivity sweep and its manual/dry-run variants.
package gc

import (
	"context"
	"time"

	"github.com/aqmlabs/aqm-core/internal/inventory"
	"github.com/aqmlabs/aqm-core/internal/model"
	"github.com/aqmlabs/aqm-core/pkg/logging"
)

// Config controls how an inactive contact is handled once swept.
type Config struct {
	// InactiveAfter records the last_msg_at cutoff. GarbageCollect and
	// DryRun take the cutoff as their inactiveDays argument and do not read
	// this field.
	InactiveAfter time.Duration
	// DeleteMeta, when true, removes the contact's registration entirely
	// instead of downgrading it to STRANGER (spec.md §4.6, "per config").
	DeleteMeta bool
}

// Report summarizes one sweep.
type Report struct {
	ContactsCleaned int
	KeysDeleted     int
	BytesFreed      int
}

// GC runs the Inventory's inactivity sweep.
type GC struct {
	inv       *inventory.Inventory
	cfg       Config
	tierSizes map[model.Tier]int
	log       *logging.Logger
}

func New(inv *inventory.Inventory, cfg Config, tierSizes map[model.Tier]int) *GC {
	if tierSizes == nil {
		tierSizes = model.TierSizeBytes
	}
	return &GC{inv: inv, cfg: cfg, tierSizes: tierSizes, log: logging.GetDefault().Component("gc")}
}

// GarbageCollect scans every registered contact and reclaims the cache of
// any contact inactive for longer than inactiveDays.
func (g *GC) GarbageCollect(ctx context.Context, inactiveDays int) (Report, error) {
	cutoff := time.Now().Add(-time.Duration(inactiveDays) * 24 * time.Hour).UnixMilli()

	contacts, err := g.inv.ListContacts(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, contactID := range contacts {
		meta, err := g.inv.GetContactMeta(ctx, contactID)
		if err != nil {
			g.log.Warn("garbage_collect: failed to read contact meta", "contact", contactID, "err", err)
			continue
		}
		if meta.LastMsgAt > cutoff {
			continue
		}

		cleaned, err := g.collect(ctx, contactID)
		if err != nil {
			g.log.Warn("garbage_collect: failed to clean contact", "contact", contactID, "err", err)
			continue
		}
		report.ContactsCleaned++
		report.KeysDeleted += cleaned.KeysDeleted
		report.BytesFreed += cleaned.BytesFreed
	}
	return report, nil
}

// CollectSingleContact is a manual purge for one contact (e.g. the user
// blocks them), independent of the inactivity cutoff.
func (g *GC) CollectSingleContact(ctx context.Context, contactID string) (Report, error) {
	cleaned, err := g.collect(ctx, contactID)
	if err != nil {
		return Report{}, err
	}
	return Report{ContactsCleaned: 1, KeysDeleted: cleaned.KeysDeleted, BytesFreed: cleaned.BytesFreed}, nil
}

type singleCollectResult struct {
	KeysDeleted int
	BytesFreed  int
}

func (g *GC) collect(ctx context.Context, contactID string) (singleCollectResult, error) {
	counts, err := g.inv.GetInventory(ctx, contactID)
	if err != nil {
		return singleCollectResult{}, err
	}

	bytesFreed := counts.Gold*g.tierSizes[model.TierGold] +
		counts.Silver*g.tierSizes[model.TierSilver] +
		counts.Bronze*g.tierSizes[model.TierBronze]

	removed, err := g.inv.ClearAllTiers(ctx, contactID)
	if err != nil {
		return singleCollectResult{}, err
	}

	if g.cfg.DeleteMeta {
		if err := g.inv.DeleteMeta(ctx, contactID); err != nil {
			return singleCollectResult{}, err
		}
	} else {
		if err := g.inv.SetContactPriority(ctx, contactID, model.PriorityStranger); err != nil {
			return singleCollectResult{}, err
		}
	}

	return singleCollectResult{KeysDeleted: removed, BytesFreed: bytesFreed}, nil
}

// DryRun reports what GarbageCollect would do, without mutating anything,
// for UI preview.
func (g *GC) DryRun(ctx context.Context, inactiveDays int) (Report, error) {
	cutoff := time.Now().Add(-time.Duration(inactiveDays) * 24 * time.Hour).UnixMilli()

	contacts, err := g.inv.ListContacts(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, contactID := range contacts {
		meta, err := g.inv.GetContactMeta(ctx, contactID)
		if err != nil {
			continue
		}
		if meta.LastMsgAt > cutoff {
			continue
		}
		counts, err := g.inv.GetInventory(ctx, contactID)
		if err != nil {
			continue
		}
		report.ContactsCleaned++
		report.KeysDeleted += counts.Gold + counts.Silver + counts.Bronze
		report.BytesFreed += counts.Gold*g.tierSizes[model.TierGold] +
			counts.Silver*g.tierSizes[model.TierSilver] +
			counts.Bronze*g.tierSizes[model.TierBronze]
	}
	return report, nil
}
