package inmemdb

import (
	"sync"

	"github.com/trezcool/ujumbe/core/broadcast"
	"github.com/trezcool/ujumbe/core/messaging"
	"github.com/trezcool/ujumbe/core/notify"
	"github.com/trezcool/ujumbe/core/schedule"
)

type (
	// DB is an in-memory storage lane for development and tests. Each table
	// has its own lock; cross-record operations lock one table at a time in a
	// fixed order (conversations before messages).
	DB struct {
		conversations *conversationTable
		messages      *messageTable
		broadcasts    *broadcastTable
		scheduled     *scheduledTable
		notifications *notificationTable
	}

	conversationTable struct {
		sync.RWMutex
		table map[string]*conversationRow // id -> row
		pairs map[string]string           // pair key -> id
	}

	messageTable struct {
		sync.RWMutex
		table map[string]*messaging.Message
		logs  map[string][]string // conversationID -> message ids, append-only
	}

	broadcastTable struct {
		sync.RWMutex
		table  map[string]*broadcast.Broadcast
		claims map[string]map[string]bool // broadcastID -> recipientID
	}

	scheduledTable struct {
		sync.RWMutex
		table map[string]*schedule.ScheduledMessage
	}

	notificationTable struct {
		sync.RWMutex
		table map[string][]*notify.Notification // userID -> newest last
		prefs map[string]notify.Preferences
	}
)

func Open() *DB {
	return &DB{
		conversations: &conversationTable{table: make(map[string]*conversationRow), pairs: make(map[string]string)},
		messages:      &messageTable{table: make(map[string]*messaging.Message), logs: make(map[string][]string)},
		broadcasts:    &broadcastTable{table: make(map[string]*broadcast.Broadcast), claims: make(map[string]map[string]bool)},
		scheduled:     &scheduledTable{table: make(map[string]*schedule.ScheduledMessage)},
		notifications: &notificationTable{table: make(map[string][]*notify.Notification), prefs: make(map[string]notify.Preferences)},
	}
}
