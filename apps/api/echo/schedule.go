package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/schedule"
)

type scheduleApi struct {
	svc      *schedule.Service
	dir      directory.Directory
	validate *validator.Validate
}

func registerScheduleAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *ServerDeps) {
	api := scheduleApi{
		svc:      deps.SchedSvc,
		dir:      deps.Dir,
		validate: deps.Validate,
	}

	sg := g.Group("/scheduled-messages", jwt, staffMiddleware())
	sg.POST("", api.schedule)
	sg.GET("", api.query)
	sg.GET("/:id", api.retrieve)
	sg.DELETE("/:id", api.cancel)
}

func (api *scheduleApi) schedule(ctx echo.Context) error {
	var data schedule.NewScheduledMessage
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewScheduledMessage")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := getContextUser(ctx, api.dir)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	sm, err := api.svc.Schedule(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "scheduling message")
	}
	return ctx.JSON(http.StatusCreated, sm)
}

func (api *scheduleApi) query(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	sms, err := api.svc.Query(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "querying scheduled messages")
	}
	if sms == nil {
		sms = []schedule.ScheduledMessage{}
	}
	return ctx.JSON(http.StatusOK, sms)
}

func (api *scheduleApi) retrieve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	sm, err := api.svc.Get(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting scheduled message")
	}
	return ctx.JSON(http.StatusOK, sm)
}

func (api *scheduleApi) cancel(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	sm, err := api.svc.Cancel(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "cancelling scheduled message")
	}
	return ctx.JSON(http.StatusOK, sm)
}
