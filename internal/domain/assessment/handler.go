package assessment

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mindwell/intake/internal/platform/auth"
	"github.com/mindwell/intake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(public *echo.Group, admin *echo.Group) {
	// Public client flow
	public.GET("/assessments", h.ListInstruments)
	public.GET("/assessments/:type", h.GetInstrument)
	public.POST("/assessments/:type/score", h.ScoreAssessment)
	public.POST("/assessments/:type/submissions", h.SubmitAssessment)
	public.POST("/assessments/:type/sessions", h.StartSession)
	public.GET("/sessions/:id", h.GetSession)
	public.POST("/sessions/:id/answer", h.AnswerSession)
	public.POST("/sessions/:id/back", h.BackSession)
	public.POST("/sessions/:id/flags", h.SetSessionFlags)
	public.POST("/sessions/:id/score", h.ScoreSession)
	public.POST("/sessions/:id/submit", h.SubmitSession)
	public.GET("/crisis-resources", h.GetCrisisResources)

	// Intake team – admin, clinician
	review := admin.Group("", auth.RequireRole("admin", "clinician"))
	review.GET("/submissions", h.ListSubmissions)
	review.GET("/submissions/stats", h.GetSubmissionStats)
	review.GET("/submissions/:id", h.GetSubmission)
	review.PATCH("/submissions/:id/status", h.UpdateSubmissionStatus)
	review.POST("/submissions/:id/forward", h.RetryForward)
}

const (
	msgInternal       = "something went wrong, please try again"
	msgSaveSubmission = "could not save your submission, please try again"
)

// httpError maps domain errors onto status codes. Anything unrecognised is
// logged and answered with a generic message.
func (h *Handler) httpError(c echo.Context, err error) error {
	return h.mapError(c, err, msgInternal)
}

func (h *Handler) mapError(c echo.Context, err error, fallback string) error {
	switch {
	case errors.Is(err, ErrUnknownInstrument),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSubmissionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyForwarded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoForwarder):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrInvalidResponse),
		errors.Is(err, ErrIncompleteResponses),
		errors.Is(err, ErrInvalidContact):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		h.svc.logger.Error().
			Err(err).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Str("method", c.Request().Method).
			Str("route", c.Path()).
			Msg("request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, fallback)
	}
}

type scoreRequest struct {
	Responses []int `json:"responses"`
	Flags     Flags `json:"flags"`
}

type submitRequest struct {
	Responses []int   `json:"responses"`
	Flags     Flags   `json:"flags"`
	Contact   Contact `json:"contact"`
}

type submitResponse struct {
	SubmissionID  uuid.UUID     `json:"submission_id"`
	ForwardStatus string        `json:"forward_status"`
	Payload       TriagePayload `json:"payload"`
}

func newSubmitResponse(sub *Submission) submitResponse {
	return submitResponse{
		SubmissionID:  sub.ID,
		ForwardStatus: sub.ForwardStatus,
		Payload:       sub.Payload(),
	}
}

// itemView is one question as the client renders it.
type itemView struct {
	Index    int      `json:"index"`
	Prompt   string   `json:"prompt"`
	Labels   []string `json:"labels"`
	Excluded bool     `json:"excluded_from_total,omitempty"`
}

type instrumentView struct {
	Summary
	Items []itemView `json:"items"`
	Flags []Flag     `json:"flags"`
	Bands []Band     `json:"bands"`
}

func newInstrumentView(in *Instrument) instrumentView {
	v := instrumentView{Summary: in.Summary(), Flags: in.Flags, Bands: in.Bands}
	if v.Flags == nil {
		v.Flags = []Flag{}
	}
	for i, it := range in.Items {
		v.Items = append(v.Items, itemView{Index: i, Prompt: it.Prompt, Labels: in.LabelsFor(i), Excluded: it.Excluded})
	}
	return v
}

// -- Instrument Handlers --

func (h *Handler) ListInstruments(c echo.Context) error {
	list := h.svc.Instruments()
	out := make([]Summary, 0, len(list))
	for _, in := range list {
		out = append(out, in.Summary())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetInstrument(c echo.Context) error {
	in, err := h.svc.Instrument(c.Param("type"))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, newInstrumentView(in))
}

func (h *Handler) GetCrisisResources(c echo.Context) error {
	return c.JSON(http.StatusOK, CrisisResources)
}

// -- Scoring Handlers --

func (h *Handler) ScoreAssessment(c echo.Context) error {
	var req scoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	payload, err := h.svc.Evaluate(c.Request().Context(), c.Param("type"), req.Responses, req.Flags)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *Handler) SubmitAssessment(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := h.svc.Submit(c.Request().Context(), c.Param("type"), req.Responses, req.Flags, req.Contact)
	if err != nil {
		return h.mapError(c, err, msgSaveSubmission)
	}
	return c.JSON(http.StatusCreated, newSubmitResponse(sub))
}

// -- Session Handlers --

func sessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) StartSession(c echo.Context) error {
	sess, err := h.svc.StartSession(c.Request().Context(), c.Param("type"))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) AnswerSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req struct {
		Value *int `json:"value"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value is required")
	}
	sess, err := h.svc.AnswerSession(c.Request().Context(), id, *req.Value)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) BackSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.BackSession(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) SetSessionFlags(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req struct {
		Flags Flags `json:"flags"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.SetSessionFlags(c.Request().Context(), id, req.Flags)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ScoreSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.ScoreSession(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) SubmitSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req struct {
		Contact Contact `json:"contact"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := h.svc.SubmitSession(c.Request().Context(), id, req.Contact)
	if err != nil {
		return h.mapError(c, err, msgSaveSubmission)
	}
	return c.JSON(http.StatusCreated, newSubmitResponse(sub))
}

// -- Submission Review Handlers --

func (h *Handler) ListSubmissions(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := map[string]string{}
	for _, k := range []string{"assessment_type", "severity", "status", "forward_status"} {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	items, total, err := h.svc.SearchSubmissions(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) GetSubmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sub, err := h.svc.GetSubmission(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) UpdateSubmissionStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !validSubmissionStatuses[req.Status] {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+req.Status)
	}
	reviewer := auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.UpdateSubmissionStatus(c.Request().Context(), id, req.Status, reviewer); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RetryForward(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sub, err := h.svc.RetryForward(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) GetSubmissionStats(c echo.Context) error {
	stats, err := h.svc.SubmissionStats(c.Request().Context())
	if err != nil {
		return h.httpError(c, err)
	}
	if stats == nil {
		stats = []SeverityCount{}
	}
	return c.JSON(http.StatusOK, stats)
}
