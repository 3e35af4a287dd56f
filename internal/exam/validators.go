package exam

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/luvvix/certify/internal/validate"
)

var (
	choiceOptionsTag  = "choice_options"
	choiceOptionsText = "needs at least two options"

	correctOptionTag  = "correct_option"
	correctOptionText = "must address one of the options"

	noOptionsTag  = "no_options"
	noOptionsText = "is not allowed on open_response questions"
)

// register custom validators
func init() {
	validate.Validate.RegisterStructValidation(questionStructValidation, Question{})
	validate.RegisterCustomTranslation(choiceOptionsTag, choiceOptionsText)
	validate.RegisterCustomTranslation(correctOptionTag, correctOptionText)
	validate.RegisterCustomTranslation(noOptionsTag, noOptionsText)
}

// questionStructValidation ties options and answer key to the question type.
func questionStructValidation(sl validator.StructLevel) {
	q, ok := sl.Current().Interface().(Question)
	if !ok {
		return
	}
	switch q.Type {
	case SingleChoice:
		if len(q.Options) < 2 {
			sl.ReportError(q.Options, "options", "Options", choiceOptionsTag, "")
		}
		if q.CorrectOption == nil || *q.CorrectOption < 0 || *q.CorrectOption >= len(q.Options) {
			sl.ReportError(q.CorrectOption, "correct_option", "CorrectOption", correctOptionTag, "")
		}
	case OpenResponse:
		if len(q.Options) > 0 {
			sl.ReportError(q.Options, "options", "Options", noOptionsTag, "")
		}
		if q.CorrectOption != nil {
			sl.ReportError(q.CorrectOption, "correct_option", "CorrectOption", noOptionsTag, "")
		}
	}
}

// validateAnswer checks an answer against the question it targets.
func validateAnswer(questions []Question, idx int, ans Answer) error {
	if err := validate.Var("question_index", idx, fmt.Sprintf("min=0,max=%d", len(questions)-1)); err != nil {
		return err
	}
	if ans == nil {
		return &ValidationError{Field: "answer", Msg: "required"}
	}
	q := questions[idx]
	if ans.Kind() != q.Type {
		return &ValidationError{Field: "kind", Msg: fmt.Sprintf("question %d expects %s", idx, q.Type)}
	}
	if c, ok := ans.(ChoiceAnswer); ok {
		return validate.Var("option_index", c.Option, fmt.Sprintf("min=0,max=%d", len(q.Options)-1))
	}
	return nil
}
