package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"

	"tasksync/domain"
	"tasksync/engine"
	"tasksync/order"
)

const mutateMaxSize = 1 << 20

// Register wires up all local API routes on the provided Echo instance.
func Register(e *echo.Echo, eng SyncEngine, auth Authenticator, health ChannelHealth, logger *log.Logger) {
	e.GET("/api/view/:kind", getView(eng, auth, logger))
	e.POST("/api/mutate", postMutate(eng, auth), decompressRequest())
	e.POST("/api/reorder", postReorder(eng, auth))
	e.GET("/api/mutations", getMutations(eng, auth))
	e.POST("/api/mutations/:id/retry", postRetry(eng, auth))
	e.DELETE("/api/mutations/:id", deleteMutation(eng, auth))
	e.DELETE("/api/notices/:id", deleteNotice(eng, auth))
	e.POST("/api/connectivity", postConnectivity(eng, auth))
	e.GET("/api/events", getEvents(eng, auth, logger))
	e.GET("/healthz", healthz(health))
}

type viewResponse struct {
	Entities []domain.Entity `json:"entities"`
	Order    []string        `json:"order,omitempty"`
}

type mutateRequest struct {
	Op      domain.Op       `json:"op"`
	Kind    domain.Kind     `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type reorderRequest struct {
	ListID   string         `json:"listId"`
	MovedID  string         `json:"movedId"`
	TargetID string         `json:"targetId,omitempty"`
	Position order.Position `json:"position,omitempty"`
}

type mutationsResponse struct {
	Pending []domain.PendingMutation `json:"pending"`
	Failed  []domain.FailedMutation  `json:"failed"`
	Notices []engine.Notice          `json:"notices"`
}

type connectivityRequest struct {
	Offline bool `json:"offline"`
}

func healthz(health ChannelHealth) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]string{"status": "ok"}
		if health != nil {
			body["pushChannel"] = health.StateName()
		}
		return c.JSON(http.StatusOK, body)
	}
}

func getView(eng SyncEngine, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newViewRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		kind := domain.Kind(c.Param("kind"))
		metrics.SetKind(string(kind))
		if kind != domain.KindTask && kind != domain.KindList {
			metrics.SetErrorStage("invalid_kind")
			err = c.String(http.StatusBadRequest, "unknown kind")
			return err
		}

		viewStart := time.Now()
		resp := viewResponse{}
		if listID := c.QueryParam("listId"); kind == domain.KindTask && listID != "" {
			resp.Entities = eng.ListTasks(listID)
			resp.Order = eng.Order(listID)
		} else {
			resp.Entities = eng.MergedView(kind)
		}
		metrics.ObserveView(time.Since(viewStart))
		metrics.SetEntitiesReturned(len(resp.Entities))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, resp)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postMutate(eng SyncEngine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, mutateMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var req mutateRequest
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		ent, err := eng.Mutate(c.Request().Context(), req.Op, req.Kind, req.ID, req.Payload)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		if req.Op == domain.OpDelete {
			return c.NoContent(http.StatusNoContent)
		}
		status := http.StatusOK
		if req.Op == domain.OpCreate {
			status = http.StatusCreated
		}
		return c.JSON(status, ent)
	}
}

func postReorder(eng SyncEngine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req reorderRequest
		if err := c.Bind(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.ListID == "" || req.MovedID == "" {
			return c.String(http.StatusBadRequest, "listId and movedId are required")
		}
		if req.Position == "" {
			req.Position = order.End
		}

		ids, err := eng.Reorder(c.Request().Context(), req.ListID, req.MovedID, req.TargetID, req.Position)
		if err != nil {
			return c.String(http.StatusConflict, err.Error())
		}
		return c.JSON(http.StatusOK, map[string][]string{"order": ids})
	}
}

func getMutations(eng SyncEngine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		return c.JSON(http.StatusOK, mutationsResponse{
			Pending: eng.PendingMutations(),
			Failed:  eng.FailedMutations(),
			Notices: eng.Notices(),
		})
	}
}

func postRetry(eng SyncEngine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := eng.RetryMutation(c.Request().Context(), c.Param("id")); err != nil {
			return c.String(http.StatusNotFound, err.Error())
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func deleteMutation(eng SyncEngine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := eng.DiscardMutation(c.Request().Context(), c.Param("id")); err != nil {
			return c.String(http.StatusNotFound, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteNotice(eng SyncEngine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if !eng.DismissNotice(c.Param("id")) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postConnectivity(eng SyncEngine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req connectivityRequest
		if err := c.Bind(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		eng.SetOffline(req.Offline)
		return c.NoContent(http.StatusAccepted)
	}
}
