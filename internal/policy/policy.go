// Package policy implements the Context Policy: a pure function from
// device state to a desired key tier (spec.md §4.5). It holds no store
// dependency and no state of its own.
package policy

import "github.com/aqmlabs/aqm-core/internal/model"

// DeviceContext captures the device state the tier decision is made from.
type DeviceContext struct {
	BatteryPercent int
	HasWiFi        bool
	SignalDBM      int
}

// DesiredTier evaluates the fixed decision table of spec.md §4.5 top-down,
// first match wins. The result is a desired tier only: the caller still
// passes it to Inventory.SelectCoin, which honors the fallback chain if
// the desired tier is empty.
func DesiredTier(dc DeviceContext) model.Tier {
	switch {
	case dc.BatteryPercent < 5:
		return model.TierBronze
	case !dc.HasWiFi && dc.SignalDBM < -100:
		return model.TierBronze
	case dc.HasWiFi && dc.BatteryPercent < 20:
		return model.TierBronze
	case !dc.HasWiFi && dc.SignalDBM >= -100:
		return model.TierSilver
	case dc.HasWiFi && dc.BatteryPercent >= 20 && dc.BatteryPercent < 50:
		return model.TierSilver
	case dc.HasWiFi && dc.BatteryPercent >= 50:
		return model.TierGold
	default:
		return model.TierBronze
	}
}
