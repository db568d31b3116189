package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iago/wa-tenancy/internal/domain"
)

type settingsBody struct {
	AutomationEnabled bool   `json:"automation_enabled"`
	Frequency         string `json:"frequency"`
	WindowStart       string `json:"window_start"`
	Timezone          string `json:"timezone"`
	Tone              string `json:"tone,omitempty"`
	Goal              string `json:"goal,omitempty"`
	Language          string `json:"language,omitempty"`
	Audience          string `json:"audience,omitempty"`
}

func (api *API) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := api.deps.Settings.Get(r.Context())
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsBody{
		AutomationEnabled: settings.AutomationEnabled,
		Frequency:         string(settings.Frequency),
		WindowStart:       settings.WindowStart,
		Timezone:          settings.Timezone,
		Tone:              settings.Tone,
		Goal:              settings.Goal,
		Language:          settings.Language,
		Audience:          settings.Audience,
	})
}

func (api *API) PutSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	if err := decodeJSON(w, r, &body); err != nil {
		api.respondError(w, r, err)
		return
	}
	settings := &domain.TenantSettings{
		AutomationEnabled: body.AutomationEnabled,
		Frequency:         domain.Frequency(strings.TrimSpace(body.Frequency)),
		WindowStart:       strings.TrimSpace(body.WindowStart),
		Timezone:          strings.TrimSpace(body.Timezone),
		Tone:              strings.TrimSpace(body.Tone),
		Goal:              strings.TrimSpace(body.Goal),
		Language:          strings.TrimSpace(body.Language),
		Audience:          strings.TrimSpace(body.Audience),
		UpdatedAt:         time.Now().UTC(),
	}
	if settings.Frequency == "" {
		settings.Frequency = domain.FrequencyWeekly
	}
	if settings.WindowStart == "" {
		settings.WindowStart = "09:00"
	}
	if settings.Timezone == "" {
		settings.Timezone = "UTC"
	}
	if !settings.Frequency.Valid() {
		api.respondError(w, r, fmt.Errorf("%w: unknown frequency %q", errInvalidPayload, settings.Frequency))
		return
	}
	if _, _, err := settings.WindowClock(); err != nil {
		api.respondError(w, r, fmt.Errorf("%w: %v", errInvalidPayload, err))
		return
	}
	if _, err := settings.Location(); err != nil {
		api.respondError(w, r, fmt.Errorf("%w: %v", errInvalidPayload, err))
		return
	}

	if err := api.deps.Settings.Save(r.Context(), settings); err != nil {
		api.respondError(w, r, err)
		return
	}
	body.Frequency = string(settings.Frequency)
	body.WindowStart = settings.WindowStart
	body.Timezone = settings.Timezone
	writeJSON(w, http.StatusOK, body)
}
