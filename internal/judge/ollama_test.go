package judge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/luvvix/certify/internal/grading"
	"github.com/luvvix/certify/internal/judge"
)

func TestOllamaJudgeParsesVerdict(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel, _ = req["model"].(string)
		if !strings.Contains(req["prompt"].(string), "between 0 and 5 points") {
			t.Errorf("prompt missing max points: %v", req["prompt"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": "```json\n{\"score\": 3.5, \"feedback\": \" mostly right \"}\n```",
			"done":     true,
		})
	}))
	defer srv.Close()

	j := judge.NewOllama(judge.Options{URL: srv.URL, Model: "llama3"})
	got, err := j.Judge(context.Background(), "Explain channels", "pipes between goroutines", 5)
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if got.Score != 3.5 || got.Feedback != "mostly right" {
		t.Fatalf("judgment = %+v", got)
	}
	if gotModel != "llama3" {
		t.Fatalf("model = %q", gotModel)
	}
}

func TestOllamaJudgeStreamedChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"{\"score\":","done":false}` + "\n" +
			`{"response":" 2, \"feedback\": \"ok\"}","done":true}` + "\n"))
	}))
	defer srv.Close()

	got, err := judge.NewOllama(judge.Options{URL: srv.URL}).Judge(context.Background(), "p", "t", 4)
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if got.Score != 2 || got.Feedback != "ok" {
		t.Fatalf("judgment = %+v", got)
	}
}

func TestOllamaJudgeErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		},
		"no score": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"response":"{\"feedback\":\"hm\"}","done":true}`))
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"response":"I think it deserves three","done":true}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			if _, err := judge.NewOllama(judge.Options{URL: srv.URL}).Judge(context.Background(), "p", "t", 4); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestOllamaJudgeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	j := judge.NewOllama(judge.Options{URL: srv.URL, Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := j.Judge(ctx, "p", "t", 4)
	if !errors.Is(err, grading.ErrJudgeTimeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestJudgeThroughEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"{\"score\": 12, \"feedback\": \"generous\"}","done":true}`))
	}))
	defer srv.Close()

	eng := grading.NewEngine(judge.NewOllama(judge.Options{URL: srv.URL, RatePerSec: 50, Burst: 2}))
	res := eng.Grade(context.Background(),
		[]grading.Item{{Index: 0, Kind: grading.KindOpenResponse, Prompt: "p", Points: 5}},
		map[int]grading.Response{0: {Kind: grading.KindOpenResponse, Text: "answer"}})
	if res.Score != 5 || res.MaxScore != 5 || res.Percentage != 100 {
		t.Fatalf("result = %+v", res)
	}
}
