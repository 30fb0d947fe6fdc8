package schedule

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/ujumbe/core"
)

var (
	targetTag  = "conversation_or_recipient"
	targetText = "one of conversation_id or recipient_id is required"
)

// InitValidators registers scheduling validators on the given instance.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	validate.RegisterStructValidation(newScheduledStructValidation, NewScheduledMessage{})
	core.RegisterCustomTranslation(validate, translator, targetTag, targetText)
}

// newScheduledStructValidation checks that a scheduled message targets either
// an existing conversation or a recipient.
func newScheduledStructValidation(sl validator.StructLevel) {
	if ns, ok := sl.Current().Interface().(NewScheduledMessage); ok {
		if ns.ConversationID == "" && ns.RecipientID == "" {
			sl.ReportError(ns.ConversationID, "conversation_id", "ConversationID", targetTag, "")
			sl.ReportError(ns.RecipientID, "recipient_id", "RecipientID", targetTag, "")
		}
	}
}
