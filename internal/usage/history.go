package usage

import "sort"

// RecordDailyTotal snapshots a day's aggregate RPD across all keys into the
// rolling history. The reset job calls this just before ResetDaily.
func (t *Tracker) RecordDailyTotal(date string, total int) {
	t.histMu.Lock()
	defer t.histMu.Unlock()
	t.rpdHistory[date] = total
}

// History returns a copy of the daily RPD history.
func (t *Tracker) History() map[string]int {
	t.histMu.Lock()
	defer t.histMu.Unlock()

	snap := make(map[string]int, len(t.rpdHistory))
	for date, total := range t.rpdHistory {
		snap[date] = total
	}
	return snap
}

// PruneHistory drops history entries for dates before the cutoff.
func (t *Tracker) PruneHistory(cutoff string) {
	t.histMu.Lock()
	defer t.histMu.Unlock()

	for date := range t.rpdHistory {
		if date < cutoff {
			delete(t.rpdHistory, date)
		}
	}
}

// SevenDayAverage returns the mean daily RPD over the most recent seven
// recorded days. Returns 0 with no history.
func (t *Tracker) SevenDayAverage() float64 {
	t.histMu.Lock()
	defer t.histMu.Unlock()

	if len(t.rpdHistory) == 0 {
		return 0
	}

	dates := make([]string, 0, len(t.rpdHistory))
	for date := range t.rpdHistory {
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	n := len(dates)
	if n > 7 {
		n = 7
	}

	sum := 0
	for _, date := range dates[:n] {
		sum += t.rpdHistory[date]
	}
	return float64(sum) / float64(n)
}
