package account

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/unihealth/unihealth/internal/domain/records"
	"github.com/unihealth/unihealth/internal/platform/auth"
	"github.com/unihealth/unihealth/internal/platform/tree"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the sign-in endpoints on a group rooted at /auth.
// signin and signup are public; me requires a session.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/signin", h.SignIn)
	g.POST("/signup", h.SignUp)
	g.GET("/me", h.Me)
}

func (h *Handler) SignIn(c echo.Context) error {
	var req Credentials
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.svc.Authenticate(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) SignUp(c echo.Context) error {
	var req SignUpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) Me(c echo.Context) error {
	uid := auth.UserIDFromContext(c.Request().Context())
	if uid == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing session")
	}
	id, err := h.svc.Identity(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, id)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, records.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrEmailTaken):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, tree.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
