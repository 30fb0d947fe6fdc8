package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	echoapi "github.com/trezcool/ujumbe/apps/api/echo"
	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/broadcast"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
	"github.com/trezcool/ujumbe/core/notify"
	"github.com/trezcool/ujumbe/core/schedule"
	emailsvc "github.com/trezcool/ujumbe/services/email"
	logsvc "github.com/trezcool/ujumbe/services/logger"
	"github.com/trezcool/ujumbe/services/realtime"
	rostersvc "github.com/trezcool/ujumbe/services/roster"
	"github.com/trezcool/ujumbe/storage/database"
	sqlxrepos "github.com/trezcool/ujumbe/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	dbLogger.Enable(!conf.Debug)

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			dbLogger.Fatal("Failed to close", err)
		}
	}()

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	// the roster is owned by the school records system; this process keeps a
	// read-only in-memory mirror of it.
	dir := rostersvc.NewService()

	hub := realtime.NewHub(conf, logger)

	msgSvc := messaging.NewService(
		conf, logger,
		sqlxrepos.NewConversationRepository(db),
		sqlxrepos.NewMessageRepository(db),
		dir, hub,
	)
	bcastSvc := broadcast.NewService(conf, logger, sqlxrepos.NewBroadcastRepository(db), msgSvc, dir)
	schedSvc := schedule.NewService(conf, logger, sqlxrepos.NewScheduleRepository(db), msgSvc, dir)
	notifSvc := notify.NewService(conf, logger, sqlxrepos.NewNotificationRepository(db), msgSvc, dir, mailSvc)

	msgSvc.SetBroadcastReadRecorder(bcastSvc)
	bcastSvc.SetCompletionNotifier(notifSvc)
	schedSvc.SetFailureNotifier(notifSvc)

	// live deliveries double as delivery receipts
	hub.SetAckFunc(func(userID string, evt core.Event) {
		payload, ok := evt.Payload.(messaging.NewMessagePayload)
		if !ok {
			return
		}
		if _, err := msgSvc.MarkDelivered(context.Background(), userID, payload.Message.ID); err != nil {
			logger.Warn(fmt.Sprintf("acknowledging delivery of message %s to %s: %v", payload.Message.ID, userID, err))
		}
	})

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	directory.InitValidators(validate, translator)
	messaging.InitValidators(validate, translator)
	schedule.InitValidators(validate, translator)
	notify.InitValidators(validate, translator)

	core.ParseEmailTemplates(conf, logger)

	// =========================================================================
	// Start Background Services

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run()
	defer hub.Stop()

	go notifSvc.Run(ctx, hub.Tap())

	go func() {
		if err := schedSvc.Run(ctx); err != nil {
			logger.Error(fmt.Sprintf("scheduler stopped: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.
	// /metrics - Prometheus scrape endpoint.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	http.Handle("/metrics", promhttp.Handler())

	go func() {
		if err = http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			Dir:        dir,
			MsgSvc:     msgSvc,
			BcastSvc:   bcastSvc,
			SchedSvc:   schedSvc,
			NotifSvc:   notifSvc,
			Hub:        hub,
			Validate:   validate,
			Translator: translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		cancel()

		// give outstanding requests a deadline for completion
		sctx, scancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer scancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(sctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db.DB); err != nil {
		return nil, err
	}
	return db, nil
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
