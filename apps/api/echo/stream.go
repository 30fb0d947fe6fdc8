package echoapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/ujumbe/services/realtime"
)

type streamApi struct {
	hub *realtime.Hub
}

func registerStreamAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *ServerDeps) {
	api := streamApi{hub: deps.Hub}
	g.GET("/stream", api.stream, jwt)
}

// stream pushes the caller's channel events as Server-Sent Events until the
// client disconnects or the hub shuts down.
func (api *streamApi) stream(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	sub := api.hub.Subscribe(claims.Subject)
	defer sub.Close()

	done := ctx.Request().Context().Done()
	for {
		select {
		case <-done:
			return nil
		case evt, ok := <-sub.Events():
			if !ok { // hub shut down
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return errors.Wrap(err, "marshaling event")
			}
			if _, err = fmt.Fprintf(res, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return nil // client gone
			}
			res.Flush()
		}
	}
}
