package queue

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/pkg/pagination"
)

// Service is what the HTTP layer needs from the engine.
type Service interface {
	Ingest(ctx context.Context, source string, batch []RawQueueEntry) (IngestResult, error)
	Mutate(ctx context.Context, req MutationRequest) (RawQueueEntry, error)
	Views(f ViewFilter) []CanonicalAppointmentView
	ViewByDurableID(id DurableID) (CanonicalAppointmentView, bool)
	Today() ServiceDay
}

type Handler struct {
	svc             Service
	mutationTimeout time.Duration
}

func NewHandler(svc Service, mutationTimeout time.Duration) *Handler {
	return &Handler{svc: svc, mutationTimeout: mutationTimeout}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/queue")
	g.POST("/batches", h.IngestBatch)
	g.GET("/views", h.ListViews)
	g.GET("/entries/:durableId/view", h.GetViewByDurableID)
	g.POST("/entries/:durableId/:action", h.MutateEntry)
}

type batchRequest struct {
	Source  string          `json:"source"`
	Entries []RawQueueEntry `json:"entries"`
}

func (h *Handler) IngestBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source is required")
	}
	if source == MutationSource {
		return echo.NewHTTPError(http.StatusBadRequest, "source name is reserved")
	}
	res, err := h.svc.Ingest(c.Request().Context(), source, req.Entries)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListViews(c echo.Context) error {
	pg := pagination.FromContext(c)

	f := ViewFilter{
		PatientID: PatientID(strings.TrimSpace(c.QueryParam("patient_id"))),
		Specialty: c.QueryParam("specialty"),
	}
	switch day := c.QueryParam("day"); day {
	case "":
		f.Day = h.svc.Today()
	case "all":
	default:
		d, err := ParseServiceDay(day)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid day")
		}
		f.Day = d
	}

	views := h.svc.Views(f)
	start, end := pg.Window(len(views))
	page := views[start:end]
	if page == nil {
		page = []CanonicalAppointmentView{}
	}

	q := c.Request().URL.Query()
	q.Del("limit")
	q.Del("offset")
	resp := pagination.NewResponse(page, len(views), pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, q.Encode())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetViewByDurableID(c echo.Context) error {
	view, ok := h.svc.ViewByDurableID(DurableID(c.Param("durableId")))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "queue entry not found")
	}
	return c.JSON(http.StatusOK, view)
}

type mutateRequest struct {
	ExpectedVersion *int64 `json:"expected_version"`
}

func (h *Handler) MutateEntry(c echo.Context) error {
	action, err := ParseAction(c.Param("action"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var body mutateRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	ctx := c.Request().Context()
	if h.mutationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.mutationTimeout)
		defer cancel()
	}

	entry, err := h.svc.Mutate(ctx, MutationRequest{
		DurableID:       DurableID(c.Param("durableId")),
		Action:          action,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func errorResponse(err error) error {
	switch {
	case errors.Is(err, ErrUnknownDurableID):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStaleMutation):
		return echo.NewHTTPError(http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, ErrMalformedEntry), errors.Is(err, ErrInvalidAction):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrIndeterminate),
		errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, ErrIndeterminate.Error())
	case errors.Is(err, ErrEngineStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
