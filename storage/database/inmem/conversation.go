package inmemdb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
)

type (
	// conversationRow is the canonical record of one participant pair; reads
	// project it for a given viewer.
	conversationRow struct {
		ID               string
		LastMessageID    string
		PinnedMessageIDs []string
		CreatedAt        time.Time
		UpdatedAt        time.Time
		states           map[string]*participantState // userID -> state
	}

	// participantState is one participant's private view: their counterpart,
	// unread count and flags.
	participantState struct {
		User        directory.User // the participant themselves
		Other       directory.User // their counterpart
		UnreadCount int
		Flags       map[messaging.Flag]bool
	}
)

type conversationRepository struct {
	db *conversationTable
}

var _ messaging.ConversationRepository = (*conversationRepository)(nil) // interface compliance check

func NewConversationRepository(db *DB) *conversationRepository {
	return &conversationRepository{db: db.conversations}
}

// pairKey identifies the unordered participant pair.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func (row *conversationRow) project(viewerID string) (messaging.Conversation, bool) {
	state, ok := row.states[viewerID]
	if !ok {
		return messaging.Conversation{}, false
	}
	pinned := make([]string, len(row.PinnedMessageIDs))
	copy(pinned, row.PinnedMessageIDs)
	return messaging.Conversation{
		ID:               row.ID,
		RecipientID:      state.Other.ID,
		RecipientName:    state.Other.Name,
		RecipientRole:    state.Other.Role,
		LastMessageID:    row.LastMessageID,
		UnreadCount:      state.UnreadCount,
		IsPinned:         state.Flags[messaging.FlagPinned],
		IsStarred:        state.Flags[messaging.FlagStarred],
		IsArchived:       state.Flags[messaging.FlagArchived],
		IsResolved:       state.Flags[messaging.FlagResolved],
		IsMuted:          state.Flags[messaging.FlagMuted],
		PinnedMessageIDs: pinned,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, true
}

func (repo *conversationRepository) get(viewerID, id string) (*conversationRow, *participantState, error) {
	row, ok := repo.db.table[id]
	if !ok {
		return nil, nil, messaging.ErrConversationNotFound
	}
	state, ok := row.states[viewerID]
	if !ok { // not a participant: indistinguishable from absent
		return nil, nil, messaging.ErrConversationNotFound
	}
	return row, state, nil
}

func (repo *conversationRepository) GetOrCreateConversation(ctx context.Context, viewer, recipient directory.User) (messaging.Conversation, bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	key := pairKey(viewer.ID, recipient.ID)
	if id, ok := repo.db.pairs[key]; ok {
		conv, _ := repo.db.table[id].project(viewer.ID)
		return conv, false, nil
	}

	now := time.Now().UTC()
	row := &conversationRow{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		states: map[string]*participantState{
			viewer.ID:    {User: viewer, Other: recipient, Flags: make(map[messaging.Flag]bool)},
			recipient.ID: {User: recipient, Other: viewer, Flags: make(map[messaging.Flag]bool)},
		},
	}
	repo.db.table[row.ID] = row
	repo.db.pairs[key] = row.ID

	conv, _ := row.project(viewer.ID)
	return conv, true, nil
}

func (repo *conversationRepository) GetConversation(ctx context.Context, viewerID, id string) (messaging.Conversation, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	row, _, err := repo.get(viewerID, id)
	if err != nil {
		return messaging.Conversation{}, err
	}
	conv, _ := row.project(viewerID)
	return conv, nil
}

func (repo *conversationRepository) QueryConversations(ctx context.Context, viewerID string, filter *messaging.ConversationFilter) ([]messaging.Conversation, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	convs := make([]messaging.Conversation, 0)
	for _, row := range repo.db.table {
		conv, ok := row.project(viewerID)
		if !ok {
			continue
		}
		if matchesFilter(conv, filter) {
			convs = append(convs, conv)
		}
	}
	// stable base order for the service-side sorts
	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	return convs, nil
}

func matchesFilter(conv messaging.Conversation, filter *messaging.ConversationFilter) bool {
	if filter == nil || filter.IsEmpty() {
		return true
	}
	if filter.Role != "" && !strings.EqualFold(conv.RecipientRole, filter.Role) {
		return false
	}
	if filter.Unread != nil && (conv.UnreadCount > 0) != *filter.Unread {
		return false
	}
	if filter.Starred != nil && conv.IsStarred != *filter.Starred {
		return false
	}
	if filter.Archived != nil && conv.IsArchived != *filter.Archived {
		return false
	}
	if filter.Resolved != nil && conv.IsResolved != *filter.Resolved {
		return false
	}
	if !filter.DateFrom.IsZero() && conv.UpdatedAt.Before(filter.DateFrom.UTC()) {
		return false
	}
	if !filter.DateTo.IsZero() && conv.UpdatedAt.After(filter.DateTo.UTC()) {
		return false
	}
	return true
}

func (repo *conversationRepository) SetConversationFlag(ctx context.Context, viewerID, id string, flag messaging.Flag, value bool) (messaging.Conversation, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	row, state, err := repo.get(viewerID, id)
	if err != nil {
		return messaging.Conversation{}, err
	}
	state.Flags[flag] = value // repeat sets are no-ops; UpdatedAt untouched
	conv, _ := row.project(viewerID)
	return conv, nil
}

func (repo *conversationRepository) MarkConversationRead(ctx context.Context, viewerID, id string) (messaging.Conversation, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	row, state, err := repo.get(viewerID, id)
	if err != nil {
		return messaging.Conversation{}, err
	}
	state.UnreadCount = 0
	conv, _ := row.project(viewerID)
	return conv, nil
}

func (repo *conversationRepository) MarkConversationUnread(ctx context.Context, viewerID, id string) (messaging.Conversation, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	row, state, err := repo.get(viewerID, id)
	if err != nil {
		return messaging.Conversation{}, err
	}
	if state.UnreadCount == 0 {
		state.UnreadCount = 1
	}
	conv, _ := row.project(viewerID)
	return conv, nil
}

func (repo *conversationRepository) CommitMessage(ctx context.Context, conversationID string, msg messaging.Message) (messaging.Conversation, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	row, ok := repo.db.table[conversationID]
	if !ok {
		return messaging.Conversation{}, messaging.ErrConversationNotFound
	}
	row.LastMessageID = msg.ID
	row.UpdatedAt = msg.CreatedAt
	for userID, state := range row.states {
		if userID != msg.SenderID {
			state.UnreadCount++
		}
	}
	conv, _ := row.project(msg.SenderID)
	return conv, nil
}

func (repo *conversationRepository) SetPinnedMessage(ctx context.Context, conversationID, messageID string, pinned bool) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	row, ok := repo.db.table[conversationID]
	if !ok {
		return messaging.ErrConversationNotFound
	}
	ids := row.PinnedMessageIDs[:0]
	for _, id := range row.PinnedMessageIDs {
		if id != messageID {
			ids = append(ids, id)
		}
	}
	if pinned {
		ids = append(ids, messageID)
	}
	row.PinnedMessageIDs = ids
	return nil
}
