package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/erf/formgate/internal/apperr"
	"github.com/erf/formgate/internal/blocklist"
	"github.com/erf/formgate/internal/database"
)

// BlocklistStats reads the active blocklist tier counts.
type BlocklistStats interface {
	GetStats(ctx context.Context) (*blocklist.Stats, error)
}

// ActivityStats reads pipeline activity since a point in time.
type ActivityStats interface {
	GetStats(ctx context.Context, since time.Time) (*database.Stats, error)
}

// StatsResponse is the operator monitoring view.
type StatsResponse struct {
	WindowHours int              `json:"windowHours"`
	Blocklist   *blocklist.Stats `json:"blocklist"`
	Activity    *database.Stats  `json:"activity"`
}

// HandleFraudStats serves the operator dashboard: active blocklist tiers
// plus recent pipeline activity. The window defaults to 24 hours and is
// clamped to one week (?hours=N).
func HandleFraudStats(bl BlocklistStats, activity ActivityStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := 24
		if raw := r.URL.Query().Get("hours"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, apperr.New(apperr.KindValidation, "hours must be a positive integer"))
				return
			}
			hours = n
			if hours > 168 {
				hours = 168
			}
		}

		blStats, err := bl.GetStats(r.Context())
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindDatabase, "Failed to load blocklist stats.", err))
			return
		}

		actStats, err := activity.GetStats(r.Context(), time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindDatabase, "Failed to load activity stats.", err))
			return
		}

		writeJSON(w, http.StatusOK, StatsResponse{
			WindowHours: hours,
			Blocklist:   blStats,
			Activity:    actStats,
		})
	}
}
