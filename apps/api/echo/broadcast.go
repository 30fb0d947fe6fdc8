package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/ujumbe/core/broadcast"
	"github.com/trezcool/ujumbe/core/directory"
)

type broadcastApi struct {
	svc      *broadcast.Service
	dir      directory.Directory
	validate *validator.Validate
}

func registerBroadcastAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *ServerDeps) {
	api := broadcastApi{
		svc:      deps.BcastSvc,
		dir:      deps.Dir,
		validate: deps.Validate,
	}

	bg := g.Group("/broadcasts", jwt, staffMiddleware())
	bg.POST("", api.send)
	bg.GET("", api.query)
	bg.GET("/:id", api.retrieve)
}

func (api *broadcastApi) send(ctx echo.Context) error {
	var data broadcast.NewBroadcast
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewBroadcast")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := getContextUser(ctx, api.dir)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	b, err := api.svc.Send(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "sending broadcast")
	}
	return ctx.JSON(http.StatusCreated, b)
}

func (api *broadcastApi) query(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	bs, err := api.svc.Query(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "querying broadcasts")
	}
	if bs == nil {
		bs = []broadcast.Broadcast{}
	}
	return ctx.JSON(http.StatusOK, bs)
}

func (api *broadcastApi) retrieve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	b, err := api.svc.Get(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting broadcast")
	}
	return ctx.JSON(http.StatusOK, b)
}
