package screener

import (
	"math"
	"sort"

	"turtle-signal-engine-go/internal/dart"
)

// Score tiers, strongest first. Banding is monotonic: improving any
// input can only keep or raise the tier.
const (
	ScoreStrong     = "STRONG"
	ScorePass       = "PASS"
	ScoreBorderline = "BORDERLINE"
	ScoreFail       = "FAIL"
)

// Data provenance recorded on every analysis.
const (
	SourceDart        = "DART"
	SourceUnavailable = "UNAVAILABLE"
)

// Thresholds are the qualification and scoring constants. Growth values
// are percentages, PSR is a plain ratio. All come from configuration.
type Thresholds struct {
	MinRevenueGrowth   float64
	MinNetIncomeGrowth float64
	MaxPSR             float64
	StrongGrowth       float64
	StrongPSR          float64
}

// Analysis is the screening result for one symbol. Derived metrics are
// nil when undefined (non-positive base year or revenue).
type Analysis struct {
	Symbol            string   `json:"symbol"`
	Name              string   `json:"name"`
	CurrentPrice      float64  `json:"current_price"`
	RevenueGrowth3Y   *float64 `json:"revenue_growth_3y"`
	NetIncomeGrowth3Y *float64 `json:"net_income_growth_3y"`
	PSR               *float64 `json:"psr"`
	Score             string   `json:"score"`
	MeetsConditions   bool     `json:"meets_conditions"`
	DataSource        string   `json:"data_source"`
	MarketCap         float64  `json:"market_cap"`
	Revenue           int64    `json:"revenue"`
}

// CompoundGrowth computes the compound annual growth rate between the
// earliest and latest values over nYears-1 year gaps, as a percentage.
// It returns nil when the base value is non-positive or there is only
// one year of data, since the rate is undefined in those cases.
func CompoundGrowth(earliest, latest int64, nYears int) *float64 {
	if earliest <= 0 || nYears < 2 {
		return nil
	}
	rate := (math.Pow(float64(latest)/float64(earliest), 1/float64(nYears-1)) - 1) * 100
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil
	}
	return &rate
}

// Analyze computes growth rates, PSR and the qualification verdict for
// one symbol. Pure: identical inputs always produce identical output.
func Analyze(series *dart.FundamentalsSeries, name string, currentPrice float64, listedShares int64, th Thresholds) Analysis {
	a := Analysis{
		Symbol:       series.Symbol,
		Name:         name,
		CurrentPrice: currentPrice,
		Score:        ScoreFail,
		DataSource:   SourceDart,
		MarketCap:    currentPrice * float64(listedShares),
	}

	n := len(series.Years)
	if n == 0 {
		a.DataSource = SourceUnavailable
		return a
	}

	// Years are ordered newest first.
	latest := series.Years[0]
	earliest := series.Years[n-1]
	a.Revenue = latest.Revenue

	a.RevenueGrowth3Y = CompoundGrowth(earliest.Revenue, latest.Revenue, n)
	a.NetIncomeGrowth3Y = CompoundGrowth(earliest.NetIncome, latest.NetIncome, n)

	if latest.Revenue > 0 && a.MarketCap > 0 {
		psr := a.MarketCap / float64(latest.Revenue)
		a.PSR = &psr
	}

	met := 0
	if a.RevenueGrowth3Y != nil && *a.RevenueGrowth3Y >= th.MinRevenueGrowth {
		met++
	}
	if a.NetIncomeGrowth3Y != nil && *a.NetIncomeGrowth3Y >= th.MinNetIncomeGrowth {
		met++
	}
	if a.PSR != nil && *a.PSR <= th.MaxPSR {
		met++
	}

	a.MeetsConditions = met == 3

	switch {
	case met == 3 &&
		*a.RevenueGrowth3Y >= th.StrongGrowth &&
		*a.NetIncomeGrowth3Y >= th.StrongGrowth &&
		*a.PSR <= th.StrongPSR:
		a.Score = ScoreStrong
	case met == 3:
		a.Score = ScorePass
	case met == 2:
		a.Score = ScoreBorderline
	default:
		a.Score = ScoreFail
	}

	return a
}

// scoreRank orders tiers for sorting, strongest first.
var scoreRank = map[string]int{
	ScoreStrong:     0,
	ScorePass:       1,
	ScoreBorderline: 2,
	ScoreFail:       3,
}

// Rank sorts analyses qualified-first, then by score tier, then by PSR
// ascending. Symbols without a defined PSR sort last within their tier.
func Rank(results []Analysis) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.MeetsConditions != b.MeetsConditions {
			return a.MeetsConditions
		}
		if scoreRank[a.Score] != scoreRank[b.Score] {
			return scoreRank[a.Score] < scoreRank[b.Score]
		}
		switch {
		case a.PSR == nil && b.PSR == nil:
			return a.Symbol < b.Symbol
		case a.PSR == nil:
			return false
		case b.PSR == nil:
			return true
		default:
			return *a.PSR < *b.PSR
		}
	})
}

// Qualified filters the qualifying analyses from an already-ranked list.
func Qualified(results []Analysis) []Analysis {
	out := make([]Analysis, 0, len(results))
	for _, r := range results {
		if r.MeetsConditions {
			out = append(out, r)
		}
	}
	return out
}
