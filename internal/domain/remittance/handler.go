package remittance

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/platform/blobstore"
	"github.com/ehr/revcycle/pkg/pagination"
)

const maxBatchBody = 20 << 20

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/remittances")
	g.POST("", h.ApplyBatch)
	g.GET("", h.ListBatches)
	g.GET("/:batch_id", h.GetBatch)
	g.GET("/:batch_id/payload", h.GetPayload)
}

func (h *Handler) ApplyBatch(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBatchBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(raw) > maxBatchBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "remittance batch too large")
	}
	res, err := h.engine.ApplyRemittancePayload(c.Request().Context(), raw)
	if err != nil {
		return billing.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListBatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.engine.ListBatches(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return billing.HTTPError(err)
	}
	if items == nil {
		items = []*BatchHeader{}
	}
	if link := pg.LinkHeader(c.Request().URL.Path, c.QueryParams(), total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBatch(c echo.Context) error {
	b, err := h.engine.GetBatch(c.Request().Context(), c.Param("batch_id"))
	if errors.Is(err, ErrBatchNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "remittance batch not found")
	}
	if err != nil {
		return billing.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) GetPayload(c echo.Context) error {
	data, err := h.engine.Payload(c.Request().Context(), c.Param("batch_id"))
	switch {
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "archived payload not found")
	case err != nil:
		return billing.HTTPError(err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}
