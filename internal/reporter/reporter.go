// Package reporter aggregates storage/health statistics across the Vault
// and Inventory (spec.md §4.7) and exposes them as Prometheus gauges for
// the daemon's metrics endpoint.
package reporter

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aqmlabs/aqm-core/internal/directory"
	"github.com/aqmlabs/aqm-core/internal/inventory"
	"github.com/aqmlabs/aqm-core/internal/model"
	"github.com/aqmlabs/aqm-core/internal/vault"
	"github.com/aqmlabs/aqm-core/pkg/logging"
)

// ContactReport is the per-contact breakdown, including the replenishment
// deficit the Bridge's sync_inventory consumes.
type ContactReport struct {
	ContactID string
	Priority  model.Priority
	Counts    inventory.Counts
	Deficit   map[model.Tier]int
}

// Summary is the overall aggregation.
type Summary struct {
	VaultStats      vault.Stats
	TotalBytes      int
	DirectoryUnclaimed map[model.Tier]int
	Contacts        []ContactReport
}

// Reporter aggregates Vault and Inventory state. Directory is optional —
// a sender-only device has no local Directory connection.
type Reporter struct {
	vault     *vault.Vault
	inventory *inventory.Inventory
	directory *directory.Directory
	tierSizes map[model.Tier]int
	budget    model.BudgetMatrix
	log       *logging.Logger

	vaultActiveKeys        *prometheus.GaugeVec
	inventoryKeys          *prometheus.GaugeVec
	directoryUnclaimed     *prometheus.GaugeVec
	replenishmentDeficit   *prometheus.GaugeVec
}

// New constructs a Reporter and registers its gauges with reg.
func New(reg prometheus.Registerer, v *vault.Vault, inv *inventory.Inventory, dir *directory.Directory, tierSizes map[model.Tier]int, budget model.BudgetMatrix) *Reporter {
	if tierSizes == nil {
		tierSizes = model.TierSizeBytes
	}
	if budget == nil {
		budget = model.DefaultBudget()
	}

	r := &Reporter{
		vault:     v,
		inventory: inv,
		directory: dir,
		tierSizes: tierSizes,
		budget:    budget,
		log:       logging.GetDefault().Component("reporter"),

		vaultActiveKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aqm_vault_active_keys",
			Help: "Active private keys held in the vault, per tier.",
		}, []string{"tier"}),
		inventoryKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aqm_inventory_keys",
			Help: "Cached public keys in the inventory, per contact and tier.",
		}, []string{"contact", "tier"}),
		directoryUnclaimed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aqm_directory_unclaimed",
			Help: "Unclaimed rows in the directory for this owner, per tier.",
		}, []string{"tier"}),
		replenishmentDeficit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aqm_inventory_replenishment_deficit",
			Help: "max(0, cap - current_count) per contact and tier.",
		}, []string{"contact", "tier"}),
	}

	if reg != nil {
		reg.MustRegister(r.vaultActiveKeys, r.inventoryKeys, r.directoryUnclaimed, r.replenishmentDeficit)
	}
	return r
}

// Collect runs one aggregation pass over the given contacts, updating the
// registered gauges and returning a Summary for programmatic consumers.
func (r *Reporter) Collect(ctx context.Context, ownerID string, contactIDs []string) (Summary, error) {
	var summary Summary

	if r.vault != nil {
		stats, err := r.vault.GetStats(ctx)
		if err != nil {
			return Summary{}, err
		}
		summary.VaultStats = stats
		r.vaultActiveKeys.WithLabelValues("GOLD").Set(float64(stats.ActiveGold))
		r.vaultActiveKeys.WithLabelValues("SILVER").Set(float64(stats.ActiveSilver))
		r.vaultActiveKeys.WithLabelValues("BRONZE").Set(float64(stats.ActiveBronze))
	}

	if r.directory != nil && ownerID != "" {
		counts, err := r.directory.InventoryCount(ctx, ownerID)
		if err != nil {
			return Summary{}, err
		}
		summary.DirectoryUnclaimed = counts
		for tier, n := range counts {
			r.directoryUnclaimed.WithLabelValues(string(tier)).Set(float64(n))
		}
	}

	if r.inventory != nil {
		for _, contactID := range contactIDs {
			meta, err := r.inventory.GetContactMeta(ctx, contactID)
			if err != nil {
				continue
			}
			counts, err := r.inventory.GetInventory(ctx, contactID)
			if err != nil {
				continue
			}

			deficit := map[model.Tier]int{}
			for _, tier := range []model.Tier{model.TierGold, model.TierSilver, model.TierBronze} {
				cap := r.budget.Cap(meta.Priority, tier)
				d := cap - counts.ForTier(tier)
				if d < 0 {
					d = 0
				}
				deficit[tier] = d

				r.inventoryKeys.WithLabelValues(contactID, string(tier)).Set(float64(counts.ForTier(tier)))
				r.replenishmentDeficit.WithLabelValues(contactID, string(tier)).Set(float64(d))
			}

			summary.Contacts = append(summary.Contacts, ContactReport{
				ContactID: contactID,
				Priority:  meta.Priority,
				Counts:    counts,
				Deficit:   deficit,
			})
			summary.TotalBytes += counts.Gold*r.tierSizes[model.TierGold] +
				counts.Silver*r.tierSizes[model.TierSilver] +
				counts.Bronze*r.tierSizes[model.TierBronze]
		}
	}

	return summary, nil
}
