package tree

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ProtectedRoot is the top-level key the HTTP surface never exposes.
const ProtectedRoot = "credentials"

// maxBodyBytes bounds a single write.
const maxBodyBytes = 1 << 20

// Handler serves a Client over HTTP for Remote.
type Handler struct {
	tree Client
}

// NewHandler creates a handler backed by c.
func NewHandler(c Client) *Handler {
	return &Handler{tree: c}
}

// RegisterRoutes registers the /tree endpoints on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/tree/*", h.Get)
	g.PUT("/tree/*", h.Set)
	g.POST("/tree/*", h.Push)
	g.DELETE("/tree/*", h.Remove)
}

func (h *Handler) Get(c echo.Context) error {
	p, err := h.path(c)
	if err != nil {
		return err
	}
	snap, err := h.tree.Get(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	if snap == nil {
		snap = json.RawMessage("null")
	}
	return c.JSONBlob(http.StatusOK, snap)
}

func (h *Handler) Set(c echo.Context) error {
	p, err := h.path(c)
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := h.tree.Set(c.Request().Context(), p, body); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Push(c echo.Context) error {
	p, err := h.path(c)
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if body == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "push requires a value")
	}
	key, err := h.tree.Push(c.Request().Context(), p, body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"key": key})
}

func (h *Handler) Remove(c echo.Context) error {
	p, err := h.path(c)
	if err != nil {
		return err
	}
	if err := h.tree.Remove(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) path(c echo.Context) (string, error) {
	p, err := Clean(c.Param("*"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := CheckAccess(p); err != nil {
		return "", echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return p, nil
}

// CheckAccess rejects paths outside the publicly addressable tree: the root
// itself and the credentials subtree.
func CheckAccess(p string) error {
	segs := Segments(p)
	if len(segs) == 0 {
		return errors.New("the tree root is not addressable")
	}
	if segs[0] == ProtectedRoot {
		return errors.New("path is not addressable")
	}
	return nil
}

// readBody returns the request body as JSON, or nil for an empty body.
func readBody(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if IsEmpty(body) {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is not valid JSON")
	}
	return body, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidPath):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
