package exam

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Answer is either a ChoiceAnswer or a TextAnswer.
type Answer interface {
	Kind() QuestionType
	isAnswer()
}

type ChoiceAnswer struct {
	Option int
}

func (ChoiceAnswer) Kind() QuestionType { return SingleChoice }
func (ChoiceAnswer) isAnswer()          {}

type TextAnswer struct {
	Text string
}

func (TextAnswer) Kind() QuestionType { return OpenResponse }
func (TextAnswer) isAnswer()          {}

// AttemptAnswer is the saved answer cell for one question of an attempt.
type AttemptAnswer struct {
	QuestionIndex int
	Answer        Answer
	SavedAt       time.Time
}

type answerWire struct {
	QuestionIndex int          `json:"question_index"`
	Kind          QuestionType `json:"kind"`
	Option        *int         `json:"option_index,omitempty"`
	Text          *string      `json:"text,omitempty"`
	SavedAt       time.Time    `json:"saved_at,omitempty"`
}

func (aa AttemptAnswer) MarshalJSON() ([]byte, error) {
	w := answerWire{QuestionIndex: aa.QuestionIndex, SavedAt: aa.SavedAt}
	switch v := aa.Answer.(type) {
	case ChoiceAnswer:
		w.Kind = SingleChoice
		opt := v.Option
		w.Option = &opt
	case TextAnswer:
		w.Kind = OpenResponse
		txt := v.Text
		w.Text = &txt
	default:
		return nil, errors.New("attempt answer has no value")
	}
	return json.Marshal(w)
}

func (aa *AttemptAnswer) UnmarshalJSON(b []byte) error {
	var w answerWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ans, err := DecodeAnswer(w.Kind, w.Option, w.Text)
	if err != nil {
		return err
	}
	*aa = AttemptAnswer{QuestionIndex: w.QuestionIndex, Answer: ans, SavedAt: w.SavedAt}
	return nil
}

// DecodeAnswer builds the variant from its loose wire form. Exactly the
// field belonging to kind must be set.
func DecodeAnswer(kind QuestionType, option *int, text *string) (Answer, error) {
	switch kind {
	case SingleChoice:
		if option == nil || text != nil {
			return nil, &ValidationError{Field: "option_index", Msg: "single_choice answers carry option_index only"}
		}
		return ChoiceAnswer{Option: *option}, nil
	case OpenResponse:
		if text == nil || option != nil {
			return nil, &ValidationError{Field: "text", Msg: "open_response answers carry text only"}
		}
		return TextAnswer{Text: *text}, nil
	default:
		return nil, &ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown answer kind %q", kind)}
	}
}
