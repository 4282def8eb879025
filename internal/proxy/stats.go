package proxy

import (
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/omarluq/gem-relay/internal/health"
	"github.com/omarluq/gem-relay/internal/keypool"
	"github.com/omarluq/gem-relay/internal/usage"
)

// keyUsage is one (key, model) usage row.
type keyUsage struct {
	KeyID    string `json:"key_id"`
	Model    string `json:"model"`
	RPM      int    `json:"rpm"`
	RPD      int    `json:"rpd"`
	TPMInput int64  `json:"tpm_input"`
	TPDInput int64  `json:"tpd_input"`
}

// statsResponse is the /relay/stats payload.
type statsResponse struct {
	Keys            []keypool.Status              `json:"keys"`
	ActiveKeys      int                           `json:"active_keys"`
	Usage           []keyUsage                    `json:"usage"`
	Scores          map[string]map[string]float64 `json:"scores"`
	Circuits        map[string]string             `json:"circuits"`
	TotalRPD        int                           `json:"total_rpd"`
	RPDHistory      map[string]int                `json:"rpd_history"`
	SevenDayAverage float64                       `json:"seven_day_average"`
}

// StatsHandler serves GET /relay/stats.
type StatsHandler struct {
	registry *keypool.Registry
	tracker  *usage.Tracker
	scores   *keypool.ScoreCache
	health   *health.Tracker
	models   func() []string
}

// NewStatsHandler creates the stats handler. models lists the model names to
// report scores for.
func NewStatsHandler(
	registry *keypool.Registry,
	tracker *usage.Tracker,
	scores *keypool.ScoreCache,
	healthTracker *health.Tracker,
	models func() []string,
) *StatsHandler {
	return &StatsHandler{
		registry: registry,
		tracker:  tracker,
		scores:   scores,
		health:   healthTracker,
		models:   models,
	}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.tracker.Snapshot()
	rows := make([]keyUsage, 0, len(snapshot))
	for key, counter := range snapshot {
		rows = append(rows, keyUsage{
			KeyID:    key.KeyID,
			Model:    key.Model,
			RPM:      counter.RPMCount,
			RPD:      counter.RPDCount,
			TPMInput: counter.TPMInputCount,
			TPDInput: counter.TPDInputCount,
		})
	}

	scores := make(map[string]map[string]float64)
	for _, model := range h.models() {
		if s := h.scores.GetScores(model); len(s) > 0 {
			scores[model] = s
		}
	}

	circuits := lo.MapValues(h.health.AllStates(), func(state health.State, _ string) string {
		return state.String()
	})

	writeJSON(w, http.StatusOK, statsResponse{
		Keys:            h.registry.Statuses(),
		ActiveKeys:      h.registry.ActiveCount(time.Now()),
		Usage:           rows,
		Scores:          scores,
		Circuits:        circuits,
		TotalRPD:        h.tracker.TotalRPD(),
		RPDHistory:      h.tracker.History(),
		SevenDayAverage: h.tracker.SevenDayAverage(),
	})
}
