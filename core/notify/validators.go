package notify

import (
	"sort"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/ujumbe/core"
)

var (
	soundTag  = "notifsound"
	soundText = "invalid notification sound"

	previewTag  = "notifpreview"
	previewText = "invalid message preview level"
)

// InitValidators registers notification validators on the given instance.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(soundTag, soundValidation)
	core.RegisterCustomTranslation(validate, translator, soundTag, soundText)

	_ = validate.RegisterValidation(previewTag, previewValidation)
	core.RegisterCustomTranslation(validate, translator, previewTag, previewText)
}

// soundValidation checks that the value is a known notification sound.
func soundValidation(fl validator.FieldLevel) bool {
	return searchString(AllSounds, fl.Field().String())
}

// previewValidation checks that the value is a known preview level.
func previewValidation(fl validator.FieldLevel) bool {
	return searchString(AllPreviews, fl.Field().String())
}

func searchString(vals []string, val string) bool {
	sort.Strings(vals)
	if idx := sort.SearchStrings(vals, val); idx < len(vals) {
		return vals[idx] == val
	}
	return false
}
