package billing

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/revcycle/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/claims")
	g.POST("", h.CreateClaim)
	g.GET("", h.ListClaims)
	g.GET("/summary", h.GetSummary)
	g.POST("/acknowledgments", h.Acknowledge)
	g.GET("/:id", h.GetClaim)
	g.PATCH("/:id", h.ReviseClaim)
	g.GET("/:id/events", h.GetEvents)
	g.GET("/:id/audit", h.Audit)
	g.POST("/:id/scrub", h.ScrubClaim)
	g.POST("/:id/submit", h.SubmitClaim)
	g.POST("/:id/status-check", h.CheckStatus)
	g.PUT("/:id/status", h.SetStatus)
	g.POST("/:id/appeal", h.Appeal)
	g.POST("/:id/cancel", h.Cancel)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func claimID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid claim id")
	}
	return id, nil
}

// HTTPError maps a billing error to the response the API returns for it.
// Other packages reuse it for errors that surface from the orchestrator.
func HTTPError(err error) error {
	var (
		verr *ValidationError
		terr *TransitionError
		berr *BalanceError
		perr *PayerRejectionError
		cerr *ConflictError
	)
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": verr.Message,
			"edits":   verr.Edits,
		})
	case errors.As(err, &terr):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message": terr.Error(),
			"from":    terr.From,
			"to":      terr.To,
		})
	case errors.As(err, &berr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message":    "balance invariant violated",
			"violations": berr.Violations,
		})
	case errors.As(err, &perr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "payer rejected claim",
			"reasons": perr.Reasons,
		})
	case errors.As(err, &cerr):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message": "reconciliation conflict",
			"reasons": cerr.Reasons,
		})
	case errors.Is(err, ErrClaimNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	case errors.Is(err, ErrConcurrentModification):
		return echo.NewHTTPError(http.StatusConflict, "claim was modified concurrently, retry")
	case errors.Is(err, ErrTransportFailure):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var req CreateClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	claim, err := h.svc.CreateClaim(c.Request().Context(), &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ClaimFilter{Status: Status(c.QueryParam("status"))}
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = &pid
	}
	items, total, err := h.svc.ListClaims(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if link := pg.LinkHeader(c.Request().URL.Path, c.QueryParams(), total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSummary(c echo.Context) error {
	s, err := h.svc.GetClaimsSummary(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ReviseClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	var req ReviseClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	claim, err := h.svc.ReviseClaim(c.Request().Context(), id, &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) GetEvents(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": claim.Events, "count": len(claim.Events)})
}

func (h *Handler) Audit(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	report, err := h.svc.VerifyEventLog(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ScrubClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.ScrubClaim(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SubmitClaim(c.Request().Context(), id)
	var perr *PayerRejectionError
	if errors.As(err, &perr) {
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"message":    "payer rejected claim",
			"reasons":    perr.Reasons,
			"submission": res,
		})
	}
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CheckStatus(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.CheckClaimStatus(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	var req StatusChangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	claim, err := h.svc.SetClaimStatus(c.Request().Context(), id, &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) Appeal(c echo.Context) error {
	return h.withReason(c, h.svc.AppealClaim)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.withReason(c, h.svc.CancelClaim)
}

func (h *Handler) withReason(c echo.Context, op func(ctx context.Context, id int64, reason string) (*Claim, error)) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	claim, err := op(c.Request().Context(), id, req.Reason)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) Acknowledge(c echo.Context) error {
	var ack Acknowledgment
	if err := c.Bind(&ack); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	claim, err := h.svc.AcknowledgeByControlNumber(c.Request().Context(), &ack)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, claim)
}
