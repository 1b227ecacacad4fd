package terminology

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/codes")
	g.GET("/procedures", h.SearchProcedures)
	g.GET("/procedures/:code", h.GetProcedure)
	g.GET("/diagnoses", h.SearchDiagnoses)
	g.GET("/diagnoses/:code", h.GetDiagnosis)
}

func queryLimit(c echo.Context) int {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return limit
}

func (h *Handler) SearchProcedures(c echo.Context) error {
	results, err := h.svc.SearchProcedures(c.Request().Context(), c.QueryParam("q"), queryLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": results, "count": len(results)})
}

func (h *Handler) GetProcedure(c echo.Context) error {
	p, err := h.svc.LookupProcedure(c.Request().Context(), c.Param("code"))
	if errors.Is(err, ErrCodeNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "procedure code not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SearchDiagnoses(c echo.Context) error {
	results, err := h.svc.SearchDiagnoses(c.Request().Context(), c.QueryParam("q"), queryLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": results, "count": len(results)})
}

func (h *Handler) GetDiagnosis(c echo.Context) error {
	d, err := h.svc.LookupDiagnosis(c.Request().Context(), c.Param("code"))
	if errors.Is(err, ErrCodeNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "diagnosis code not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, d)
}
