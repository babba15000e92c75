package persistence

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
)

// DefaultHistoryLimit is the row count served when the request has none.
const DefaultHistoryLimit = 100

// NewHistoryHandler serves the newest rows of l as JSON.
//
// GET /data/history
// Query params:
//
//	limit=<int>   (1..cap del log, default DefaultHistoryLimit)
func NewHistoryHandler(l *BoundedLog, defLimit int) http.Handler {
	if defLimit <= 0 {
		defLimit = DefaultHistoryLimit
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := defLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				http.Error(w, "limit must be an integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		limit = max(1, min(limit, l.Cap()))

		out := slices.Collect(l.Read(limit))
		if out == nil {
			out = []model.Reading{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Retention-Rows", strconv.Itoa(l.Cap()))
		_ = json.NewEncoder(w).Encode(out)
	})
}
