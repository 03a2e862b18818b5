package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *BookingService
}

func NewHandler(svc *BookingService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: any signed-in role, ownership is checked per call
	api.GET("/doctors", h.ListDoctors)
	api.GET("/doctors/:id/slots", h.ListAvailableSlots)
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.GET("/appointments/:id/history", h.GetHistory)

	// Booking endpoints: patients and front office
	bookers := auth.RequireRole(auth.RolePatient, auth.RoleFrontOffice)
	api.POST("/appointments", h.Book, bookers)
	api.POST("/appointments/:id/reschedule", h.Reschedule, bookers)
	api.POST("/appointments/:id/cancel", h.Cancel, bookers)

	api.POST("/appointments/:id/check-in", h.CheckIn, auth.RequireRole(auth.RoleFrontOffice))
	api.POST("/appointments/:id/complete", h.Complete, auth.RequireRole(auth.RoleDoctor, auth.RoleFrontOffice))

	// Administration
	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/doctors", h.OnboardDoctor)
	admin.POST("/doctors/:id/slots", h.GenerateSlots)
	admin.DELETE("/doctors/:id/slots", h.PurgeSlots)
}

// toHTTP maps booking errors onto status codes.
func toHTTP(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPastSlot):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, ErrConflict.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func callerOf(c echo.Context) (auth.Caller, error) {
	caller, ok := auth.CallerFromContext(c.Request().Context())
	if !ok {
		return auth.Caller{}, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	return caller, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Doctor & Slot Handlers --

func (h *Handler) ListDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDoctors(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListAvailableSlots(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	date := h.svc.Now()
	if q := c.QueryParam("date"); q != "" {
		date, err = time.ParseInLocation(time.DateOnly, q, h.svc.Location())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
	}
	slots, err := h.svc.ListAvailableSlots(c.Request().Context(), id, date)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, slots)
}

// -- Appointment Handlers --

func (h *Handler) Book(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req BookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	appt, err := h.svc.Book(c.Request().Context(), caller, req)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) Reschedule(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req RescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.AppointmentID = id
	appt, err := h.svc.Reschedule(c.Request().Context(), caller, req)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Cancel(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.AppointmentID = id
	appt, err := h.svc.Cancel(c.Request().Context(), caller, req)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) CheckIn(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.CheckIn(c.Request().Context(), caller, id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Complete(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Complete(c.Request().Context(), caller, id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetAppointment(c.Request().Context(), caller, id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetHistory(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.AppointmentHistory(c.Request().Context(), caller, id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := AppointmentFilter{Limit: pg.Limit, Offset: pg.Offset}

	for _, p := range []struct {
		name string
		dst  **uuid.UUID
	}{
		{"family_id", &f.FamilyID},
		{"doctor_id", &f.DoctorID},
		{"member_id", &f.MemberID},
	} {
		if v := c.QueryParam(p.name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+p.name)
			}
			*p.dst = &id
		}
	}
	if v := c.QueryParam("status"); v != "" {
		st := Status(v)
		f.Status = &st
	}
	if v := c.QueryParam("date"); v != "" {
		d, err := time.ParseInLocation(time.DateOnly, v, h.svc.Location())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		f.Date = &d
	}

	items, total, err := h.svc.ListAppointments(c.Request().Context(), caller, f)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Admin Handlers --

type onboardRequest struct {
	NewDoctor
	HorizonDays int `json:"horizon_days,omitempty"`
}

func (h *Handler) OnboardDoctor(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req onboardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	doc, n, err := h.svc.OnboardDoctor(c.Request().Context(), caller, req.NewDoctor, req.HorizonDays)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"doctor":          doc,
		"slots_generated": n,
	})
}

func (h *Handler) GenerateSlots(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	horizon := 0
	if v := c.QueryParam("horizon_days"); v != "" {
		horizon, err = strconv.Atoi(v)
		if err != nil || horizon <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "horizon_days must be a positive integer")
		}
	}
	n, err := h.svc.GenerateSlots(c.Request().Context(), caller, id, horizon)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"slots_generated": n})
}

func (h *Handler) PurgeSlots(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var before time.Time
	if v := c.QueryParam("before"); v != "" {
		before, err = time.ParseInLocation(time.DateOnly, v, h.svc.Location())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be YYYY-MM-DD")
		}
	}
	n, err := h.svc.PurgeUnbookedSlots(c.Request().Context(), caller, id, before)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"slots_purged": n})
}
