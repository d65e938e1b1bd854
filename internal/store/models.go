package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetStats aggregates one asset's predictions within a series.
type AssetStats struct {
	Asset             string          `json:"asset"`
	Count             int             `json:"count"`
	Latest            float64         `json:"latest_prediction"`
	LatestAt          time.Time       `json:"latest_timestamp"`
	Trend             decimal.Decimal `json:"trend"`
	TrendPct          decimal.Decimal `json:"trend_pct"`
	MinProcessingSecs float64         `json:"min_processing_time"`
	AvgProcessingSecs float64         `json:"avg_processing_time"`
	MaxProcessingSecs float64         `json:"max_processing_time"`
}

// ValidatorCount counts rows attributed to one producer identity.
type ValidatorCount struct {
	Hotkey string `json:"hotkey"`
	Count  int    `json:"count"`
}

// SummaryStats is the per-source aggregate recomputed after every merge.
// Readers always observe a fully computed value, never a partial one.
type SummaryStats struct {
	Source     string           `json:"source"`
	TotalRows  int              `json:"total_predictions"`
	Recent24h  int              `json:"recent_predictions"`
	Assets     []AssetStats     `json:"assets"`
	Validators []ValidatorCount `json:"validators"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
