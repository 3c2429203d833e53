package liquidity

import (
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
)

type Action string

const (
	ActionNone             Action = "none"
	ActionIncreaseInbound  Action = "increase_inbound"
	ActionIncreaseOutbound Action = "increase_outbound"
	ActionRebalance        Action = "rebalance"
)

// ChannelHealth classifies one account's channel balance distribution.
type ChannelHealth struct {
	Ratio             float64
	RecommendedAction Action
}

type MonitorConfig struct {
	// WarningThreshold bounds the healthy band [warn, 1-warn] of the local
	// ratio. EmergencyThreshold marks both sides critically drained.
	WarningThreshold   float64
	EmergencyThreshold float64
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		WarningThreshold:   0.30,
		EmergencyThreshold: 0.10,
	}
}

type Monitor struct {
	warn      float64
	emergency float64
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	warn := cfg.WarningThreshold
	if warn <= 0 || warn >= 0.5 {
		warn = DefaultMonitorConfig().WarningThreshold
	}
	emergency := cfg.EmergencyThreshold
	if emergency <= 0 || emergency >= warn {
		emergency = DefaultMonitorConfig().EmergencyThreshold
	}
	return &Monitor{warn: warn, emergency: emergency}
}

// Classify computes the clamped local/capacity ratio and the action needed to
// bring the channel back inside the healthy band.
func (m *Monitor) Classify(acct storage.Account) ChannelHealth {
	if acct.ChannelCapacitySat <= 0 {
		return ChannelHealth{Ratio: 0, RecommendedAction: ActionIncreaseOutbound}
	}

	ratio := float64(acct.LocalBalanceSat) / float64(acct.ChannelCapacitySat)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	emergencySat := int64(m.emergency * float64(acct.ChannelCapacitySat))
	if acct.LocalBalanceSat < emergencySat && acct.RemoteBalanceSat < emergencySat {
		return ChannelHealth{Ratio: ratio, RecommendedAction: ActionRebalance}
	}

	switch {
	case ratio < m.warn:
		return ChannelHealth{Ratio: ratio, RecommendedAction: ActionIncreaseOutbound}
	case ratio > 1-m.warn:
		return ChannelHealth{Ratio: ratio, RecommendedAction: ActionIncreaseInbound}
	default:
		return ChannelHealth{Ratio: ratio, RecommendedAction: ActionNone}
	}
}

// HealthyMidpoint is the local balance the manager sizes top-ups toward.
func (m *Monitor) HealthyMidpoint(capacitySat int64) int64 {
	return capacitySat / 2
}
