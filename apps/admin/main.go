package main

import (
	"log"
	"os"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/broadcast"
	"github.com/trezcool/ujumbe/core/messaging"
	"github.com/trezcool/ujumbe/core/schedule"
	logsvc "github.com/trezcool/ujumbe/services/logger"
	"github.com/trezcool/ujumbe/services/realtime"
	rostersvc "github.com/trezcool/ujumbe/services/roster"
	"github.com/trezcool/ujumbe/storage/database"
	sqlxrepos "github.com/trezcool/ujumbe/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()

	// set up DB
	errAndDie(database.CreateIfNotExist(conf))
	db, err := database.Open(conf)
	errAndDie(err)
	defer func() { _ = db.Close() }()
	errAndDie(db.Ping())

	// set up services
	svcLogger := logsvc.NewStdLogger(logger)
	dir := rostersvc.NewService()
	hub := realtime.NewHub(conf, svcLogger)
	msgSvc := messaging.NewService(
		conf, svcLogger,
		sqlxrepos.NewConversationRepository(db),
		sqlxrepos.NewMessageRepository(db),
		dir, hub,
	)
	bcastSvc := broadcast.NewService(conf, svcLogger, sqlxrepos.NewBroadcastRepository(db), msgSvc, dir)
	schedSvc := schedule.NewService(conf, svcLogger, sqlxrepos.NewScheduleRepository(db), msgSvc, dir)

	// start CLI
	cli := commandLine{
		db:       db,
		dir:      dir,
		bcastSvc: bcastSvc,
		schedSvc: schedSvc,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
