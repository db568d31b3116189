package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SchedulerTick runs one scheduler pass for an external cron. The caller
// authenticates with the shared cron secret, not a tenant credential.
func (api *API) SchedulerTick(w http.ResponseWriter, r *http.Request) {
	if api.deps.CronSecret == "" || api.deps.Scheduler == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "scheduler trigger disabled")
		return
	}
	secret := strings.TrimSpace(r.Header.Get("X-Cron-Secret"))
	if secret == "" {
		secret = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(api.deps.CronSecret)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid cron secret")
		return
	}

	totals, err := api.deps.Scheduler.Tick(r.Context())
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}
