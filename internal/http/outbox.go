package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmehdipour/expense-outbox/internal/outbox"
	"github.com/jmehdipour/expense-outbox/internal/repository"
	"github.com/labstack/echo/v4"
)

const ctxOutbox = "outbox"

type outboxHandlers struct {
	outboxes map[string]Outbox
}

type writeEventReq struct {
	EventType   string          `json:"event_type"`
	AggregateID *string         `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
}

// resolveContext loads the outbox named by the :context path param.
func (h *outboxHandlers) resolveContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ob, ok := h.outboxes[c.Param("context")]
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown context"})
		}
		c.Set(ctxOutbox, ob)
		return next(c)
	}
}

func current(c echo.Context) Outbox {
	ob, _ := c.Get(ctxOutbox).(Outbox)
	return ob
}

func (h *outboxHandlers) stats(c echo.Context) error {
	st, err := current(c).Dispatcher.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
	}
	return c.JSON(http.StatusOK, st)
}

func (h *outboxHandlers) getEvent(c echo.Context) error {
	ev, err := current(c).Repo.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "event not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
	}
	return c.JSON(http.StatusOK, ev)
}

// writeEvent records an event in immediate mode, for producers outside this process.
func (h *outboxHandlers) writeEvent(c echo.Context) error {
	var req writeEventReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	ev, err := current(c).Writer.Write(c.Request().Context(), nil, outbox.WriteRequest{
		EventType:   req.EventType,
		AggregateID: req.AggregateID,
		Payload:     payload,
	}, outbox.Immediate)

	var serr *outbox.SerializationError
	switch {
	case errors.Is(err, outbox.ErrEventTypeRequired), errors.As(err, &serr):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "write failed"})
	}

	return c.JSON(http.StatusCreated, ev)
}
