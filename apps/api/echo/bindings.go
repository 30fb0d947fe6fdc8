package echoapi

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

var (
	limitParam  = "limit"
	offsetParam = "offset"
	sortParam   = "sort"
	unreadParam = "unread"
)

// Pagination binds the limit/offset query params; services clamp the values.
type Pagination struct {
	Limit  int
	Offset int
}

func (p *Pagination) Bind(ctx echo.Context) {
	p.Limit = intParam(ctx, limitParam)
	p.Offset = intParam(ctx, offsetParam)
}

func intParam(ctx echo.Context, name string) int {
	val := ctx.QueryParam(name)
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func boolParam(ctx echo.Context, name string) bool {
	val, _ := strconv.ParseBool(ctx.QueryParam(name))
	return val
}
