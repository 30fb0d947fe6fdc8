package directory

import (
	"sort"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/ujumbe/core"
)

var (
	criteriaTypeTag  = "criteriatype"
	criteriaTypeText = "invalid criteria type"

	classNameTag  = "classrequired"
	classNameText = "class name is required for this criteria type"

	departmentTag  = "departmentrequired"
	departmentText = "department is required for this criteria type"
)

// InitValidators registers directory validators on the given instance.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(criteriaTypeTag, criteriaTypeValidation)
	core.RegisterCustomTranslation(validate, translator, criteriaTypeTag, criteriaTypeText)

	validate.RegisterStructValidation(criteriaStructValidation, Criteria{})
	core.RegisterCustomTranslation(validate, translator, classNameTag, classNameText)
	core.RegisterCustomTranslation(validate, translator, departmentTag, departmentText)
}

// criteriaTypeValidation checks that the criteria type is a known population selector.
func criteriaTypeValidation(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	sort.Strings(AllCriteriaTypes)
	if idx := sort.SearchStrings(AllCriteriaTypes, val); idx < len(AllCriteriaTypes) {
		return AllCriteriaTypes[idx] == val
	}
	return false
}

// criteriaStructValidation checks the selector arguments required by each criteria type.
func criteriaStructValidation(sl validator.StructLevel) {
	criteria, ok := sl.Current().Interface().(Criteria)
	if !ok {
		return
	}
	switch criteria.Type {
	case CriteriaSpecificClass:
		if criteria.ClassName == "" {
			sl.ReportError(criteria.ClassName, "class_name", "ClassName", classNameTag, "")
		}
	case CriteriaSpecificDepartment:
		if criteria.Department == "" {
			sl.ReportError(criteria.Department, "department", "Department", departmentTag, "")
		}
	}
}
