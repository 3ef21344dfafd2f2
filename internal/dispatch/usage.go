package dispatch

import "slices"

// ModelUsage is one model's completions for a day.
type ModelUsage struct {
	Model    string  `json:"model"`
	Requests int64   `json:"requests"`
	Paid     bool    `json:"paid"`
	Cost     float64 `json:"cost"`
}

// UsageTotals splits a day's completions into free and paid.
type UsageTotals struct {
	Free int64   `json:"free"`
	Paid int64   `json:"paid"`
	Cost float64 `json:"cost"`
}

// SummarizeUsage prices a day's per-model counts. A model without an entry
// in costs is free tier. Rows are sorted by model.
func SummarizeUsage(usage map[string]int64, costs map[string]float64) ([]ModelUsage, UsageTotals) {
	rows := make([]ModelUsage, 0, len(usage))
	var totals UsageTotals
	for model, n := range usage {
		price, paid := costs[model]
		row := ModelUsage{Model: model, Requests: n, Paid: paid, Cost: price * float64(n)}
		rows = append(rows, row)
		if paid {
			totals.Paid += n
			totals.Cost += row.Cost
		} else {
			totals.Free += n
		}
	}
	slices.SortFunc(rows, func(a, b ModelUsage) int {
		switch {
		case a.Model < b.Model:
			return -1
		case a.Model > b.Model:
			return 1
		}
		return 0
	})
	return rows, totals
}
