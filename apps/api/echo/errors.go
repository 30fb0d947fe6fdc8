package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/broadcast"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
	"github.com/trezcool/ujumbe/core/notify"
	"github.com/trezcool/ujumbe/core/schedule"
)

var (
	errUnauthorized  = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errHttpForbidden = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound  = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// notFoundErrs maps the domain's not-found sentinels to 404s.
var notFoundErrs = []error{
	messaging.ErrConversationNotFound,
	messaging.ErrMessageNotFound,
	broadcast.ErrNotFound,
	schedule.ErrNotFound,
	notify.ErrNotFound,
	directory.ErrNotFound,
}

func isNotFound(err error) bool {
	for _, sentinel := range notFoundErrs {
		if err == sentinel {
			return true
		}
	}
	return false
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		case *core.ValidationError:
			code = http.StatusBadRequest
			message = fieldsOrMessage(origErr.Error(), origErr.Fields)
		case *core.FileUploadError:
			code = http.StatusBadRequest
			message = fieldsOrMessage(origErr.Error(), origErr.Fields)
		case *core.PermissionError:
			code = http.StatusForbidden
			message = origErr.Error()
		default:
			switch {
			case isNotFound(origErr):
				code = http.StatusNotFound
				message = origErr.Error()
			case origErr == messaging.ErrInvalidTransition,
				origErr == schedule.ErrAlreadySettled:
				code = http.StatusConflict
				message = origErr.Error()
			default: // any other error is a server error
				code = http.StatusInternalServerError
				msg := http.StatusText(http.StatusInternalServerError)
				message = msg

				var usr directory.User
				if claims, cErr := getContextClaims(ctx); cErr == nil {
					usr.ID = claims.Subject
					usr.Name = claims.Name
					usr.Email = claims.Email
				}
				logger.Error(msg, errors.Wrap(err, msg), usr)

				// shutting down...
				if core.IsShutdown(err) {
					signalShutdown()
				}
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		} else if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}

func fieldsOrMessage(msg string, flds []core.FieldError) interface{} {
	if len(flds) == 0 {
		return msg
	}
	fldErrs := make(map[string]string, len(flds))
	for _, fErr := range flds {
		fldErrs[fErr.Field] = fErr.Error
	}
	return fldErrs
}
