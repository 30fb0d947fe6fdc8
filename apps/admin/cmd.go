package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/ujumbe/core/broadcast"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
	"github.com/trezcool/ujumbe/core/schedule"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	db       *sqlx.DB
	dir      directory.Directory
	bcastSvc *broadcast.Service
	schedSvc *schedule.Service
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [args] - manage database migrations (goose commands)")
	fmt.Println("  dispatchdue - claim and dispatch all due scheduled messages")
	fmt.Println("  broadcast [args] - send a broadcast to a recipient population")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	dispatchDueCmd := flag.NewFlagSet("dispatchdue", flag.ExitOnError)

	broadcastCmd := flag.NewFlagSet("broadcast", flag.ExitOnError)
	bcastSender := broadcastCmd.String("sender", "", "sender user id (required)")
	bcastType := broadcastCmd.String("type", "", "criteria type: all_students | specific_class | all_teachers | specific_department (required)")
	bcastClass := broadcastCmd.String("class", "", "class name (specific_class)")
	bcastSession := broadcastCmd.String("session", "", "session (specific_class, optional)")
	bcastDept := broadcastCmd.String("department", "", "department (specific_department)")
	bcastContent := broadcastCmd.String("content", "", "message content (required)")
	bcastCategory := broadcastCmd.String("category", messaging.CategoryAnnouncement, "message category")
	bcastPriority := broadcastCmd.String("priority", messaging.PriorityNormal, "message priority")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "dispatchdue":
		if err := dispatchDueCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.dispatchDue(context.Background())
	case "broadcast":
		if err := broadcastCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *bcastSender == "" || *bcastType == "" || *bcastContent == "" {
			broadcastCmd.PrintDefaults()
			return errHelp
		}
		criteria := directory.Criteria{
			Type:       *bcastType,
			ClassName:  *bcastClass,
			Session:    *bcastSession,
			Department: *bcastDept,
		}
		return cli.sendBroadcast(context.Background(), *bcastSender, criteria, *bcastContent, *bcastCategory, *bcastPriority)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) dispatchDue(ctx context.Context) error {
	n, err := cli.schedSvc.DispatchDue(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("dispatched %d scheduled message(s)\n", n)
	return nil
}

func (cli *commandLine) sendBroadcast(ctx context.Context, senderID string, criteria directory.Criteria, content, category, priority string) error {
	sender, err := cli.dir.GetUser(ctx, senderID)
	if err != nil {
		return err
	}
	b, err := cli.bcastSvc.Send(ctx, sender, broadcast.NewBroadcast{
		Criteria: criteria,
		Content:  content,
		Category: category,
		Priority: priority,
	})
	if err != nil {
		return err
	}
	fmt.Printf("broadcast %s delivered to %d/%d recipient(s), %d failed\n", b.ID, b.DeliveredCount, b.RecipientCount, b.FailedCount)
	return nil
}
