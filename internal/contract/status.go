package contract

import (
	"time"

	"presale/pkg/models"
)

// GetStatus 由配置、计数器与当前时间推导预售状态，无副作用
func GetStatus(cfg *models.PresaleConfig, counters *models.PresaleCounters, now time.Time) models.PresaleStatus {
	if cfg == nil || counters == nil {
		return models.StatusUnknown
	}

	ts := now.Unix()
	switch {
	case counters.Finalized || ts > cfg.EndTime:
		return models.StatusEnded
	case ts < cfg.StartTime:
		return models.StatusNotStarted
	case cfg.HardCap.IsPositive() && counters.TokensSold.GreaterThanOrEqual(cfg.HardCap):
		return models.StatusHardcapReached
	default:
		return models.StatusActive
	}
}
