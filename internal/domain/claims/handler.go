package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/revcycle/internal/platform/auth"
	"github.com/ehr/revcycle/internal/platform/lock"
	"github.com/ehr/revcycle/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, billing, billing_viewer
	readGroup := api.Group("", auth.RequireRole("billing", "billing_viewer"))
	readGroup.GET("/claims", h.ListClaims)
	readGroup.GET("/claims/:id", h.GetClaim)
	readGroup.GET("/claims/:id/denial", h.GetDenial)
	readGroup.GET("/claims/:id/chain", h.GetChain)
	readGroup.GET("/claims/:id/resubmissions", h.ListResubmissions)
	readGroup.GET("/kpis", h.GetKPIs)
	readGroup.GET("/dashboard", h.GetDashboard)
	readGroup.GET("/denial-codes", h.ListDenialCodes)
	readGroup.GET("/denial-codes/:code", h.GetDenialCode)
	readGroup.GET("/views", h.ListViews)
	readGroup.GET("/views/:id", h.GetView)

	// Write endpoints – admin, billing
	writeGroup := api.Group("", auth.RequireRole("billing"))
	writeGroup.POST("/claims", h.CreateClaim)
	writeGroup.POST("/claims/:id/transition", h.TransitionClaim)
	writeGroup.PATCH("/claims/:id/denial", h.UpdateDenial)
	writeGroup.POST("/claims/:id/resubmit", h.ResubmitClaim)
	writeGroup.POST("/resubmissions/:id/outcome", h.RecordOutcome)
	writeGroup.POST("/views", h.CreateView)
	writeGroup.DELETE("/views/:id", h.DeleteView)
	writeGroup.POST("/views/:id/default", h.SetDefaultView)
}

// codeList accepts either a JSON array of codes or a single comma-separated
// string such as "99213, 99214".
type codeList []string

func (l *codeList) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("codes must be an array or a comma-separated string")
	}
	*l = parseCodes(s)
	return nil
}

func parseCodes(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDate accepts a calendar date (2006-01-02) or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}

// errorResponse maps domain errors to HTTP errors.
func errorResponse(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": ErrValidation.Error(),
			"fields":  ve.Fields,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrCorrectionNotAllowed), errors.Is(err, ErrUnknownDenialCode):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lock.ErrNotAcquired):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "claim is busy, retry later")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func setETag(c echo.Context, cl *Claim) {
	c.Response().Header().Set("ETag", strconv.Quote(strconv.Itoa(cl.Version)))
}

// ifMatchVersion reads an If-Match header such as "3" or W/"3".
func ifMatchVersion(c echo.Context) (int, error) {
	raw := strings.TrimSpace(c.Request().Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return 0, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid If-Match header")
	}
	return v, nil
}

// filterFromQuery builds a filter from query parameters. A view parameter
// loads the stored filter of that view instead.
func (h *Handler) filterFromQuery(c echo.Context) (Filter, error) {
	if viewID := c.QueryParam("view"); viewID != "" {
		v, err := h.svc.GetView(c.Request().Context(), viewID)
		if err != nil {
			return Filter{}, err
		}
		return v.Filter, nil
	}
	f := Filter{
		SearchTerm:  c.QueryParam("search"),
		Status:      c.QueryParam("status"),
		Payer:       c.QueryParam("payer"),
		AgingBucket: AgingBucket(c.QueryParam("aging")),
		Priority:    Priority(strings.ToLower(c.QueryParam("priority"))),
	}
	if from := c.QueryParam("from"); from != "" {
		t, err := parseDate(from)
		if err != nil {
			return Filter{}, fieldError("from", err.Error())
		}
		f.DateFrom = &t
	}
	if to := c.QueryParam("to"); to != "" {
		t, err := parseDate(to)
		if err != nil {
			return Filter{}, fieldError("to", err.Error())
		}
		f.DateTo = &t
	}
	return f, nil
}

// -- Claim Handlers --

type claimRequest struct {
	PatientID             string   `json:"patient_id"`
	ClinicID              string   `json:"clinic_id"`
	PayerName             string   `json:"payer_name"`
	PayerID               string   `json:"payer_id"`
	ServiceDate           string   `json:"service_date"`
	ProcedureCodes        codeList `json:"procedure_codes"`
	DiagnosisCodes        codeList `json:"diagnosis_codes"`
	TotalAmount           Money    `json:"total_amount"`
	AllowedAmount         *Money   `json:"allowed_amount"`
	PaidAmount            Money    `json:"paid_amount"`
	PatientResponsibility Money    `json:"patient_responsibility"`
	ClearinghouseID       string   `json:"clearinghouse_id"`
	ClearinghouseClaimID  string   `json:"clearinghouse_claim_id"`
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var req claimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl := &Claim{
		PatientID:             req.PatientID,
		ClinicID:              req.ClinicID,
		PayerName:             req.PayerName,
		PayerID:               req.PayerID,
		ProcedureCodes:        req.ProcedureCodes,
		DiagnosisCodes:        req.DiagnosisCodes,
		TotalAmount:           req.TotalAmount,
		AllowedAmount:         req.AllowedAmount,
		PaidAmount:            req.PaidAmount,
		PatientResponsibility: req.PatientResponsibility,
		ClearinghouseID:       req.ClearinghouseID,
		ClearinghouseClaimID:  req.ClearinghouseClaimID,
	}
	if req.ServiceDate != "" {
		t, err := parseDate(req.ServiceDate)
		if err != nil {
			return errorResponse(fieldError("service_date", err.Error()))
		}
		cl.ServiceDate = t
	}
	if err := h.svc.CreateClaim(c.Request().Context(), cl); err != nil {
		return errorResponse(err)
	}
	setETag(c, cl)
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) GetClaim(c echo.Context) error {
	cl, err := h.svc.GetClaim(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(err)
	}
	setETag(c, cl)
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	f, err := h.filterFromQuery(c)
	if err != nil {
		return errorResponse(err)
	}
	items, err := h.svc.ListClaims(c.Request().Context(), f)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

type transitionRequest struct {
	Status        string `json:"status"`
	DenialCode    string `json:"denial_code"`
	Priority      string `json:"priority_level"`
	Notes         string `json:"notes"`
	PaidAmount    *Money `json:"paid_amount"`
	AllowedAmount *Money `json:"allowed_amount"`
	Version       int    `json:"version"`
}

func (h *Handler) TransitionClaim(c echo.Context) error {
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	version, err := ifMatchVersion(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if version == 0 {
		version = req.Version
	}
	cl, err := h.svc.TransitionClaim(c.Request().Context(), TransitionInput{
		ClaimID:         c.Param("id"),
		Status:          Status(req.Status),
		ExpectedVersion: version,
		DenialCode:      req.DenialCode,
		Priority:        Priority(req.Priority),
		Notes:           req.Notes,
		PaidAmount:      req.PaidAmount,
		AllowedAmount:   req.AllowedAmount,
	})
	if err != nil {
		return errorResponse(err)
	}
	setETag(c, cl)
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) GetChain(c echo.Context) error {
	chain, err := h.svc.ResubmissionChain(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, chain)
}

// -- Denial Handlers --

// GetDenial responds with null when the claim exists but was never denied.
func (h *Handler) GetDenial(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.svc.GetClaim(ctx, c.Param("id")); err != nil {
		return errorResponse(err)
	}
	d, err := h.svc.GetDenial(ctx, c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusOK, nil)
	}
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, d)
}

type denialUpdateRequest struct {
	Priority         *Priority         `json:"priority_level"`
	ResolutionStatus *ResolutionStatus `json:"resolution_status"`
	Notes            *string           `json:"notes"`
}

func (h *Handler) UpdateDenial(c echo.Context) error {
	var req denialUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.UpdateDenial(c.Request().Context(), c.Param("id"), DenialUpdate{
		Priority:         req.Priority,
		ResolutionStatus: req.ResolutionStatus,
		Notes:            req.Notes,
	})
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDenialCodes(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Registry().Entries())
}

func (h *Handler) GetDenialCode(c echo.Context) error {
	e, err := h.svc.Registry().Lookup(c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

// -- Resubmission Handlers --

type resubmitRequest struct {
	DenialReasonCode        string   `json:"denial_reason_code"`
	CorrectionsMade         string   `json:"corrections_made"`
	ProcedureCodes          codeList `json:"procedure_codes"`
	DiagnosisCodes          codeList `json:"diagnosis_codes"`
	TotalAmount             Money    `json:"total_amount"`
	AdditionalDocumentation string   `json:"additional_documentation"`
}

func (h *Handler) ResubmitClaim(c echo.Context) error {
	var req resubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.svc.Resubmit(ctx, ResubmitInput{
		OriginalClaimID:         c.Param("id"),
		DenialReasonCode:        req.DenialReasonCode,
		CorrectionsMade:         req.CorrectionsMade,
		ProcedureCodes:          req.ProcedureCodes,
		DiagnosisCodes:          req.DiagnosisCodes,
		TotalAmount:             req.TotalAmount,
		AdditionalDocumentation: req.AdditionalDocumentation,
		ResubmittedBy:           auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return errorResponse(err)
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (h *Handler) ListResubmissions(c echo.Context) error {
	recs, err := h.svc.ListResubmissions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, recs)
}

type outcomeRequest struct {
	Outcome string `json:"outcome"`
}

func (h *Handler) RecordOutcome(c echo.Context) error {
	var req outcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.RecordOutcome(c.Request().Context(), c.Param("id"), ResubmissionOutcome(req.Outcome))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// -- Metrics Handlers --

func (h *Handler) GetKPIs(c echo.Context) error {
	f, err := h.filterFromQuery(c)
	if err != nil {
		return errorResponse(err)
	}
	k, err := h.svc.KPIs(c.Request().Context(), f)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, k)
}

func (h *Handler) GetDashboard(c echo.Context) error {
	f, err := h.filterFromQuery(c)
	if err != nil {
		return errorResponse(err)
	}
	d, err := h.svc.Dashboard(c.Request().Context(), f)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- View Handlers --

func (h *Handler) CreateView(c echo.Context) error {
	var v SavedView
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v.CreatedBy = auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.CreateView(c.Request().Context(), &v); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetView(c echo.Context) error {
	items, v, err := h.svc.ListClaimsByView(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"view":   v,
		"claims": items,
	})
}

func (h *Handler) ListViews(c echo.Context) error {
	views, err := h.svc.ListViews(c.Request().Context())
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) DeleteView(c echo.Context) error {
	if err := h.svc.DeleteView(c.Request().Context(), c.Param("id")); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetDefaultView(c echo.Context) error {
	v, err := h.svc.SetDefaultView(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, v)
}
