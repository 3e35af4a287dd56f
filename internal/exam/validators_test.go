package exam_test

import (
	"errors"
	"testing"

	"github.com/luvvix/certify/internal/exam"
)

func TestAssessmentValidate(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(as *exam.Assessment)
		field string
	}{
		{"blank id", func(as *exam.Assessment) { as.ID = " " }, "id"},
		{"no questions", func(as *exam.Assessment) { as.Questions = nil }, "questions"},
		{"zero time limit", func(as *exam.Assessment) { as.TimeLimitMinutes = 0 }, "time_limit_minutes"},
		{"passing score above 100", func(as *exam.Assessment) { as.PassingScorePercent = 120 }, "passing_score_percent"},
		{"zero points", func(as *exam.Assessment) { as.Questions[1].Points = 0 }, "questions[1].points"},
		{"unknown type", func(as *exam.Assessment) { as.Questions[0].Type = "essay" }, "questions[0].type"},
		{"unknown difficulty", func(as *exam.Assessment) { as.Questions[0].Difficulty = "brutal" }, "questions[0].difficulty"},
		{"single option", func(as *exam.Assessment) { as.Questions[0].Options = []string{"0"} }, "questions[0].options"},
		{"key out of range", func(as *exam.Assessment) { as.Questions[1].CorrectOption = intp(2) }, "questions[1].correct_option"},
		{"missing key", func(as *exam.Assessment) { as.Questions[1].CorrectOption = nil }, "questions[1].correct_option"},
		{"options on open response", func(as *exam.Assessment) {
			as.Questions[0] = exam.Question{ID: "q1", Type: exam.OpenResponse, Prompt: "explain", Options: []string{"a"}, Difficulty: exam.Hard, Points: 1}
		}, "questions[0].options"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			as := twoQuestionAssessment()
			tc.edit(&as)
			err := as.Validate()
			if !errors.Is(err, exam.ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			var ve *exam.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("err = %v, want field %q", err, tc.field)
			}
		})
	}
}

func TestAssessmentValidateAccepts(t *testing.T) {
	as := twoQuestionAssessment()
	as.Questions = append(as.Questions, exam.Question{ID: "q3", Type: exam.OpenResponse, Prompt: "why channels?", Difficulty: exam.Medium, Points: 4})
	if err := as.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}
