package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/ujumbe/core/notify"
)

type notifyApi struct {
	svc      *notify.Service
	validate *validator.Validate
}

func registerNotifyAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *ServerDeps) {
	api := notifyApi{
		svc:      deps.NotifSvc,
		validate: deps.Validate,
	}

	ng := g.Group("/notifications", jwt)
	ng.GET("", api.query)
	ng.GET("/unread-count", api.unreadCount)
	ng.POST("/read-all", api.markAllRead)
	ng.POST("/:id/read", api.markRead)
	ng.GET("/preferences", api.getPreferences)
	ng.PUT("/preferences", api.updatePreferences)
}

func (api *notifyApi) query(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	page := new(Pagination)
	page.Bind(ctx)

	ns, err := api.svc.Query(ctx.Request().Context(), claims.Subject, boolParam(ctx, unreadParam), page.Limit)
	if err != nil {
		return errors.Wrap(err, "querying notifications")
	}
	if ns == nil {
		ns = []notify.Notification{}
	}
	return ctx.JSON(http.StatusOK, ns)
}

func (api *notifyApi) unreadCount(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	n, err := api.svc.CountUnread(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "counting unread notifications")
	}
	return ctx.JSON(http.StatusOK, CountResponse{Count: n})
}

func (api *notifyApi) markRead(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	n, err := api.svc.MarkRead(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "marking notification read")
	}
	return ctx.JSON(http.StatusOK, n)
}

func (api *notifyApi) markAllRead(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	n, err := api.svc.MarkAllRead(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "marking notifications read")
	}
	return ctx.JSON(http.StatusOK, CountResponse{Count: n})
}

func (api *notifyApi) getPreferences(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	prefs, err := api.svc.GetPreferences(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "getting notification preferences")
	}
	return ctx.JSON(http.StatusOK, prefs)
}

func (api *notifyApi) updatePreferences(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data notify.Preferences
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Preferences")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	prefs, err := api.svc.UpdatePreferences(ctx.Request().Context(), claims.Subject, data)
	if err != nil {
		return errors.Wrap(err, "updating notification preferences")
	}
	return ctx.JSON(http.StatusOK, prefs)
}

type CountResponse struct {
	Count int `json:"count"`
}
