package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/mindwell/intake/internal/platform/auth"
)

const dateLayout = "2006-01-02"

// MaxWindow bounds how far apart since and until may be.
const MaxWindow = 366 * 24 * time.Hour

// MeasureDefinition defines a reporting measure with its SQL query. Every
// query takes $1 (since, inclusive), $2 (until, exclusive) and $3 (an
// assessment type, or '' for all).
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"-"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID      string                   `json:"measure_id"`
	MeasureName    string                   `json:"measure_name"`
	GeneratedAt    time.Time                `json:"generated_at"`
	Since          string                   `json:"since"`
	Until          string                   `json:"until"`
	AssessmentType string                   `json:"assessment_type,omitempty"`
	Results        []map[string]interface{} `json:"results"`
}

const window = `created_at >= $1 AND created_at < $2 AND ($3::text = '' OR assessment_type = $3::text)`

// PredefinedMeasures is the list of available reporting measures. None of
// them read contact columns.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "submissions-by-severity",
		Name:        "Submissions by Severity",
		Description: "Number of submissions per instrument and severity band",
		SQL: `SELECT assessment_type, severity, COUNT(*) AS total
			FROM assessment_submission WHERE ` + window + `
			GROUP BY assessment_type, severity ORDER BY assessment_type, MIN(total_score)`,
	},
	{
		ID:          "daily-volume",
		Name:        "Daily Submission Volume",
		Description: "Submissions per calendar day (UTC)",
		SQL: `SELECT to_char(date_trunc('day', created_at AT TIME ZONE 'UTC'), 'YYYY-MM-DD') AS day, COUNT(*) AS total
			FROM assessment_submission WHERE ` + window + `
			GROUP BY 1 ORDER BY 1`,
	},
	{
		ID:          "follow-up-status",
		Name:        "Follow-up Status",
		Description: "Submissions by review status, to track the intake backlog",
		SQL: `SELECT status, COUNT(*) AS total
			FROM assessment_submission WHERE ` + window + `
			GROUP BY status ORDER BY total DESC`,
	},
	{
		ID:          "forwarding-health",
		Name:        "Forwarding Health",
		Description: "Submissions by forwarding status",
		SQL: `SELECT forward_status, COUNT(*) AS total
			FROM assessment_submission WHERE ` + window + `
			GROUP BY forward_status ORDER BY total DESC`,
	},
	{
		ID:          "recommendation-frequency",
		Name:        "Recommendation Frequency",
		Description: "How often each recommendation type was produced",
		SQL: `SELECT rec->>'type' AS recommendation_type, COUNT(*) AS total
			FROM assessment_submission, jsonb_array_elements(recommendations) AS rec
			WHERE ` + window + `
			GROUP BY 1 ORDER BY total DESC, 1`,
	},
	{
		ID:          "flag-prevalence",
		Name:        "Auxiliary Flag Prevalence",
		Description: "How often each auxiliary question was answered yes",
		SQL: `SELECT assessment_type, f.key AS flag,
				COUNT(*) FILTER (WHERE f.value = 'true'::jsonb) AS yes,
				COUNT(*) AS answered
			FROM assessment_submission, jsonb_each(auxiliary_flags) AS f
			WHERE ` + window + `
			GROUP BY assessment_type, f.key ORDER BY assessment_type, f.key`,
	},
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	db  Querier
	now func() time.Time
}

// NewHandler creates a new reporting handler.
func NewHandler(db Querier) *Handler {
	return &Handler{db: db, now: time.Now}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole("admin", "clinician"))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// Window is the half-open date range a measure is evaluated over.
type Window struct {
	Since time.Time
	Until time.Time
}

// ParseWindow reads since/until as YYYY-MM-DD dates in UTC. until is
// inclusive on the calendar, so the returned Until is the following
// midnight. Missing values default to the 30 days ending today.
func ParseWindow(since, until string, now time.Time) (Window, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	w := Window{Since: today.AddDate(0, 0, -29), Until: today.AddDate(0, 0, 1)}

	if until != "" {
		t, err := time.Parse(dateLayout, until)
		if err != nil {
			return Window{}, fmt.Errorf("until must be YYYY-MM-DD")
		}
		w.Until = t.AddDate(0, 0, 1)
		if since == "" {
			w.Since = w.Until.AddDate(0, 0, -30)
		}
	}
	if since != "" {
		t, err := time.Parse(dateLayout, since)
		if err != nil {
			return Window{}, fmt.Errorf("since must be YYYY-MM-DD")
		}
		w.Since = t
	}

	if !w.Since.Before(w.Until) {
		return Window{}, fmt.Errorf("since must not be after until")
	}
	if w.Until.Sub(w.Since) > MaxWindow {
		return Window{}, fmt.Errorf("date range must not exceed 366 days")
	}
	return w, nil
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	w, err := ParseWindow(c.QueryParam("since"), c.QueryParam("until"), h.now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	assessmentType := c.QueryParam("assessment_type")

	results, err := h.executeSQL(c.Request().Context(), measure.SQL, w.Since, w.Until, assessmentType)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:      measure.ID,
		MeasureName:    measure.Name,
		GeneratedAt:    h.now().UTC(),
		Since:          w.Since.Format(dateLayout),
		Until:          w.Until.AddDate(0, 0, -1).Format(dateLayout),
		AssessmentType: assessmentType,
		Results:        results,
	})
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string, args ...any) ([]map[string]interface{}, error) {
	rows, err := h.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	var results []map[string]interface{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if results == nil {
		results = []map[string]interface{}{}
	}

	return results, nil
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
