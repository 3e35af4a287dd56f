package validate_test

import (
	"errors"
	"testing"

	"github.com/luvvix/certify/internal/validate"
)

type inner struct {
	Name string `json:"name" validate:"notblank"`
}

type outer struct {
	Title string  `json:"title" validate:"notblank"`
	Items []inner `json:"items" validate:"min=1,dive"`
	Score int     `json:"score" validate:"min=0,max=100"`
}

func TestStructReportsJSONPath(t *testing.T) {
	err := validate.Struct(outer{Title: "x", Items: []inner{{Name: "a"}, {Name: "  "}}, Score: 10})
	var ve *validate.Error
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *validate.Error", err)
	}
	if ve.Field != "items[1].name" {
		t.Fatalf("field = %q", ve.Field)
	}
	if ve.Msg != "name cannot be blank" {
		t.Fatalf("msg = %q", ve.Msg)
	}
	if !errors.Is(err, validate.ErrInvalid) {
		t.Fatalf("error does not match ErrInvalid")
	}
}

func TestStructBuiltinTranslation(t *testing.T) {
	err := validate.Struct(outer{Title: "x", Items: []inner{{Name: "a"}}, Score: 101})
	var ve *validate.Error
	if !errors.As(err, &ve) || ve.Field != "score" {
		t.Fatalf("err = %v", err)
	}
	if ve.Msg == "" {
		t.Fatalf("missing translated message")
	}
}

func TestStructValid(t *testing.T) {
	if err := validate.Struct(outer{Title: "x", Items: []inner{{Name: "a"}}}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestVarUsesGivenField(t *testing.T) {
	err := validate.Var("question_index", 5, "min=0,max=1")
	var ve *validate.Error
	if !errors.As(err, &ve) || ve.Field != "question_index" {
		t.Fatalf("err = %v", err)
	}
	if err := validate.Var("question_index", 1, "min=0,max=1"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}
