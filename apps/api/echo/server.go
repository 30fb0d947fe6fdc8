package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/broadcast"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
	"github.com/trezcool/ujumbe/core/notify"
	"github.com/trezcool/ujumbe/core/schedule"
	"github.com/trezcool/ujumbe/services/realtime"
)

type (
	ServerDeps struct {
		Conf           *core.Config
		Logger         core.Logger
		Dir            directory.Directory
		MsgSvc         *messaging.Service
		BcastSvc       *broadcast.Service
		SchedSvc       *schedule.Service
		NotifSvc       *notify.Service
		Hub            *realtime.Hub
		Validate       *validator.Validate
		Translator     ut.Translator
		DisableReqLogs bool
	}

	Server interface {
		http.Handler
		Start()
		Errors() <-chan error
		ShutdownSignal() <-chan os.Signal
		Shutdown(context.Context) error
		Close() error
	}

	server struct {
		deps       ServerDeps
		app        *echo.Echo
		errCh      chan error
		shutdownCh chan os.Signal
	}
)

var _ Server = (*server)(nil)

func NewServer(deps ServerDeps) Server {
	s := &server{
		deps:       deps,
		app:        echo.New(),
		errCh:      make(chan error, 1),
		shutdownCh: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	initAuth(deps.Conf)
	s.setup()
	return s
}

func (s *server) setup() {
	conf := s.deps.Conf

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.deps.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.signalShutdown)
	s.app.Debug = conf.Debug
	s.app.HideBanner = true

	s.app.GET("/", home)

	v1 := s.app.Group("/v1")
	jwt := middleware.JWTWithConfig(appJWTConfig)

	registerMessagingAPI(v1, jwt, &s.deps)
	registerBroadcastAPI(v1, jwt, &s.deps)
	registerScheduleAPI(v1, jwt, &s.deps)
	registerNotifyAPI(v1, jwt, &s.deps)
	registerStreamAPI(v1, jwt, &s.deps)
}

func (s *server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Address); err != nil && err != http.ErrServerClosed {
		s.errCh <- err
	}
}

// Errors surfaces fatal server errors; the main goroutine selects on it.
func (s *server) Errors() <-chan error {
	return s.errCh
}

// ShutdownSignal relays SIGINT/SIGTERM, plus internal shutdown requests raised
// by the error handler on integrity errors.
func (s *server) ShutdownSignal() <-chan os.Signal {
	return s.shutdownCh
}

func (s *server) Shutdown(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *server) Close() error {
	return s.app.Close()
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *server) signalShutdown() {
	s.shutdownCh <- syscall.SIGTERM
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to Ujumbe API!")
}
