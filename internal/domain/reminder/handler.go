package reminder

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthtech/reminder/internal/platform/notification"
)

// Handler exposes the operator surface: reminder history, event inspection,
// force-resend, and the versioned policy settings.
type Handler struct {
	events    EventRepository
	attempts  AttemptRepository
	settings  SettingsRepository
	scheduler *Scheduler
}

// NewHandler creates a Handler.
func NewHandler(events EventRepository, attempts AttemptRepository, settings SettingsRepository, scheduler *Scheduler) *Handler {
	return &Handler{events: events, attempts: attempts, settings: settings, scheduler: scheduler}
}

// RegisterRoutes binds the reminder admin routes on the given group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/reminders/appointments/:id/events", h.ListEvents)
	api.GET("/reminders/appointments/:id/history", h.GetHistory)
	api.GET("/reminders/events/:id", h.GetEvent)
	api.GET("/reminders/events/:id/attempts", h.ListEventAttempts)
	api.POST("/reminders/events/:id/resend", h.ForceResend)
	api.GET("/reminders/settings", h.GetSettings)
	api.PUT("/reminders/settings", h.UpdateSettings)
}

// ListEvents handles GET /reminders/appointments/:id/events.
func (h *Handler) ListEvents(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	events, err := h.events.ListByAppointment(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": events, "total": len(events)})
}

// GetHistory handles GET /reminders/appointments/:id/history. Attempts come
// back in the order they were recorded.
func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	attempts, err := h.attempts.ListByAppointment(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": attempts, "total": len(attempts)})
}

// GetEvent handles GET /reminders/events/:id.
func (h *Handler) GetEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.events.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "event not found")
	}
	return c.JSON(http.StatusOK, e)
}

// ListEventAttempts handles GET /reminders/events/:id/attempts.
func (h *Handler) ListEventAttempts(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	attempts, err := h.attempts.ListByEvent(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": attempts, "total": len(attempts)})
}

// ForceResend handles POST /reminders/events/:id/resend. Only Failed events
// can be resent.
func (h *Handler) ForceResend(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.scheduler.ForceResend(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		}
		if errors.Is(err, ErrStateConflict) {
			return echo.NewHTTPError(http.StatusConflict, "only failed events can be resent")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

// GetSettings handles GET /reminders/settings.
func (h *Handler) GetSettings(c echo.Context) error {
	s, err := h.settings.Current(c.Request().Context())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no settings configured")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}

// settingsRequest is the JSON body for PUT /reminders/settings. Durations
// are Go duration strings ("24h", "30s").
type settingsRequest struct {
	LeadTimes       []string `json:"lead_times"`
	Channels        []string `json:"channels"`
	RetryLimit      int      `json:"retry_limit"`
	BackoffBase     string   `json:"backoff_base"`
	DispatchTimeout string   `json:"dispatch_timeout"`
}

// UpdateSettings handles PUT /reminders/settings. The new snapshot gets the
// next version and applies to events created after it; pending events keep
// the version they were created under.
func (h *Handler) UpdateSettings(c echo.Context) error {
	var req settingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	s := &PolicySettings{RetryLimit: req.RetryLimit}
	for _, raw := range req.LeadTimes {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid lead time: "+raw)
		}
		s.LeadTimes = append(s.LeadTimes, d)
	}
	for _, raw := range req.Channels {
		ch, err := notification.ParseChannel(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.Channels = append(s.Channels, ch)
	}
	if req.BackoffBase != "" {
		d, err := time.ParseDuration(req.BackoffBase)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid backoff_base")
		}
		s.BackoffBase = d
	}
	if req.DispatchTimeout != "" {
		d, err := time.ParseDuration(req.DispatchTimeout)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid dispatch_timeout")
		}
		s.DispatchTimeout = d
	}

	if err := ValidatePolicySettings(s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.settings.Append(c.Request().Context(), s); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}
