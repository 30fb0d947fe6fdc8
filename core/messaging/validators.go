package messaging

import (
	"sort"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/ujumbe/core"
)

var (
	categoryTag  = "msgcategory"
	categoryText = "invalid message category"

	priorityTag  = "msgpriority"
	priorityText = "invalid message priority"

	reactionTypeTag  = "reactiontype"
	reactionTypeText = "invalid reaction type"

	targetTag  = "conversation_or_recipient"
	targetText = "one of conversation_id or recipient_id is required"
)

// InitValidators registers messaging validators on the given instance.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(categoryTag, categoryValidation)
	core.RegisterCustomTranslation(validate, translator, categoryTag, categoryText)

	_ = validate.RegisterValidation(priorityTag, priorityValidation)
	core.RegisterCustomTranslation(validate, translator, priorityTag, priorityText)

	_ = validate.RegisterValidation(reactionTypeTag, reactionTypeValidation)
	core.RegisterCustomTranslation(validate, translator, reactionTypeTag, reactionTypeText)

	validate.RegisterStructValidation(sendMessageStructValidation, SendMessage{})
	core.RegisterCustomTranslation(validate, translator, targetTag, targetText)
}

// categoryValidation checks that the value is a known message category.
func categoryValidation(fl validator.FieldLevel) bool {
	return searchString(AllCategories, fl.Field().String())
}

// priorityValidation checks that the value is a known delivery priority.
func priorityValidation(fl validator.FieldLevel) bool {
	return searchString(AllPriorities, fl.Field().String())
}

// reactionTypeValidation checks that the value is one of the quick reactions.
func reactionTypeValidation(fl validator.FieldLevel) bool {
	return searchString(AllReactionTypes, fl.Field().String())
}

// sendMessageStructValidation checks that a message targets either an existing
// conversation or a recipient.
func sendMessageStructValidation(sl validator.StructLevel) {
	if sm, ok := sl.Current().Interface().(SendMessage); ok {
		if sm.ConversationID == "" && sm.RecipientID == "" {
			sl.ReportError(sm.ConversationID, "conversation_id", "ConversationID", targetTag, "")
			sl.ReportError(sm.RecipientID, "recipient_id", "RecipientID", targetTag, "")
		}
	}
}

func searchString(vals []string, val string) bool {
	sort.Strings(vals)
	if idx := sort.SearchStrings(vals, val); idx < len(vals) {
		return vals[idx] == val
	}
	return false
}
