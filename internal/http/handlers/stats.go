package handlers

import "net/http"

type statsPayload struct {
	Providers []providerStat `json:"providers"`
}

type providerStat struct {
	Provider  string `json:"provider"`
	Operation string `json:"operation"`
	Count     int64  `json:"count"`
}

// Stats reports per-provider activity over the last day. Requires a database;
// deployments without one get 503.
func (a *App) Stats(w http.ResponseWriter, r *http.Request) {
	if a.Audit == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "stats require a database")
		return
	}
	counts, err := a.Audit.CountsByProvider(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("load provider stats")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load stats")
		return
	}
	payload := statsPayload{Providers: make([]providerStat, 0, len(counts))}
	for _, c := range counts {
		payload.Providers = append(payload.Providers, providerStat{
			Provider:  c.Provider,
			Operation: c.Operation,
			Count:     c.Count,
		})
	}
	a.json(w, http.StatusOK, payload)
}
