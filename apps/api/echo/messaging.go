package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
)

type messagingApi struct {
	svc      *messaging.Service
	dir      directory.Directory
	validate *validator.Validate
}

func registerMessagingAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *ServerDeps) {
	api := messagingApi{
		svc:      deps.MsgSvc,
		dir:      deps.Dir,
		validate: deps.Validate,
	}

	cg := g.Group("/conversations", jwt)
	cg.POST("", api.createConversation)
	cg.GET("", api.queryConversations)
	cg.GET("/:id", api.retrieveConversation)
	cg.PUT("/:id/flags/:flag", api.setConversationFlag)
	cg.POST("/:id/read", api.markConversationRead)
	cg.POST("/:id/unread", api.markConversationUnread)
	cg.GET("/:id/messages", api.queryMessages)
	cg.POST("/:id/typing", api.typing)

	mg := g.Group("/messages", jwt)
	mg.POST("", api.send)
	mg.POST("/forward", api.forward)
	mg.POST("/:id/retry", api.retry)
	mg.POST("/:id/delivered", api.markDelivered)
	mg.POST("/:id/read", api.markRead)
	mg.POST("/:id/reactions", api.toggleReaction)
	mg.DELETE("/:id/reactions/:type", api.removeReaction)
	mg.PUT("/:id/pin", api.setPinned)
}

// Conversation handlers

func (api *messagingApi) createConversation(ctx echo.Context) error {
	var data messaging.NewConversation
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewConversation")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := getContextUser(ctx, api.dir)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	conv, err := api.svc.CreateConversation(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "creating conversation")
	}
	return ctx.JSON(http.StatusCreated, conv)
}

func (api *messagingApi) queryConversations(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	filter := new(messaging.ConversationFilter)
	if err = ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []messaging.Conversation{})
	}

	convs, err := api.svc.QueryConversations(ctx.Request().Context(), claims.Subject, filter, ctx.QueryParam(sortParam))
	if err != nil {
		return errors.Wrap(err, "querying conversations")
	}
	if convs == nil {
		convs = []messaging.Conversation{}
	}
	return ctx.JSON(http.StatusOK, convs)
}

func (api *messagingApi) retrieveConversation(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	conv, err := api.svc.GetConversation(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting conversation")
	}
	return ctx.JSON(http.StatusOK, conv)
}

func (api *messagingApi) setConversationFlag(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data FlagRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to FlagRequest")
	}

	conv, err := api.svc.SetConversationFlag(
		ctx.Request().Context(), claims.Subject, ctx.Param("id"), messaging.Flag(ctx.Param("flag")), data.Value)
	if err != nil {
		return errors.Wrap(err, "setting conversation flag")
	}
	return ctx.JSON(http.StatusOK, conv)
}

func (api *messagingApi) markConversationRead(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	conv, err := api.svc.MarkConversationRead(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "marking conversation read")
	}
	return ctx.JSON(http.StatusOK, conv)
}

func (api *messagingApi) markConversationUnread(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	conv, err := api.svc.MarkConversationUnread(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "marking conversation unread")
	}
	return ctx.JSON(http.StatusOK, conv)
}

func (api *messagingApi) queryMessages(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	page := new(Pagination)
	page.Bind(ctx)

	msgs, err := api.svc.GetMessages(ctx.Request().Context(), claims.Subject, ctx.Param("id"), page.Limit, page.Offset)
	if err != nil {
		return errors.Wrap(err, "querying messages")
	}
	if msgs == nil {
		msgs = []messaging.Message{}
	}
	return ctx.JSON(http.StatusOK, msgs)
}

func (api *messagingApi) typing(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.dir)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data messaging.Typing
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Typing")
	}

	if err = api.svc.PublishTyping(ctx.Request().Context(), usr, ctx.Param("id"), data.IsTyping); err != nil {
		return errors.Wrap(err, "publishing typing indicator")
	}
	return ctx.NoContent(http.StatusAccepted)
}

// Message handlers

func (api *messagingApi) send(ctx echo.Context) error {
	var data messaging.SendMessage
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SendMessage")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := getContextUser(ctx, api.dir)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	msg, err := api.svc.Send(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "sending message")
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *messagingApi) forward(ctx echo.Context) error {
	var data messaging.ForwardMessage
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ForwardMessage")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := getContextUser(ctx, api.dir)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	msg, err := api.svc.Forward(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "forwarding message")
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *messagingApi) retry(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.dir)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	msg, err := api.svc.Retry(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "retrying message")
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *messagingApi) markDelivered(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	msg, err := api.svc.MarkDelivered(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "marking message delivered")
	}
	return ctx.JSON(http.StatusOK, msg)
}

func (api *messagingApi) markRead(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	msg, err := api.svc.MarkMessageRead(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "marking message read")
	}
	return ctx.JSON(http.StatusOK, msg)
}

func (api *messagingApi) toggleReaction(ctx echo.Context) error {
	var data messaging.ToggleReaction
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ToggleReaction")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := getContextUser(ctx, api.dir)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	msg, added, err := api.svc.AddReaction(ctx.Request().Context(), usr, ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "toggling reaction")
	}
	return ctx.JSON(http.StatusOK, ReactionResponse{Message: msg, Added: added})
}

func (api *messagingApi) removeReaction(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.dir)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	msg, err := api.svc.RemoveReaction(ctx.Request().Context(), usr, ctx.Param("id"), ctx.Param("type"))
	if err != nil {
		return errors.Wrap(err, "removing reaction")
	}
	return ctx.JSON(http.StatusOK, msg)
}

func (api *messagingApi) setPinned(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data PinRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PinRequest")
	}

	msg, err := api.svc.SetMessagePinned(ctx.Request().Context(), claims.Subject, ctx.Param("id"), data.Pinned)
	if err != nil {
		return errors.Wrap(err, "pinning message")
	}
	return ctx.JSON(http.StatusOK, msg)
}

type (
	FlagRequest struct {
		Value bool `json:"value"`
	}

	PinRequest struct {
		Pinned bool `json:"pinned"`
	}

	ReactionResponse struct {
		Message messaging.Message `json:"message"`
		Added   bool              `json:"added"`
	}
)
