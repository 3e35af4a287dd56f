package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/luvvix/certify/internal/grading"
	"github.com/luvvix/certify/internal/logger"
)

// OllamaJudge scores open responses with a model served by an Ollama
// compatible /api/generate endpoint.
type OllamaJudge struct {
	url     string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

type Options struct {
	URL        string
	Model      string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Log        *logger.Logger
}

func NewOllama(o Options) *OllamaJudge {
	if o.Model == "" {
		o.Model = "mistral"
	}
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, o.Burst)
	if o.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(o.RatePerSec), o.Burst)
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	return &OllamaJudge{
		url:     o.URL,
		model:   o.Model,
		client:  &http.Client{Timeout: o.Timeout},
		limiter: lim,
		log:     o.Log,
	}
}

var _ grading.Judge = (*OllamaJudge)(nil)

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type verdict struct {
	Score    *float64 `json:"score"`
	Feedback string   `json:"feedback"`
}

func buildPrompt(prompt, text string, maxPoints int) string {
	return fmt.Sprintf(
		"You are grading one open question of a course exam.\n"+
			"Question: %s\nStudent answer: %s\n"+
			"Award between 0 and %d points. Output minimal JSON with keys 'score' (number) and 'feedback' (one short sentence, addressed to the student).",
		prompt, text, maxPoints)
}

// Judge blocks on the rate limiter and the HTTP call; both honour ctx.
func (j *OllamaJudge) Judge(ctx context.Context, prompt, text string, maxPoints int) (grading.Judgment, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return grading.Judgment{}, fmt.Errorf("judge rate limit: %w", err)
	}
	body, err := json.Marshal(generateRequest{
		Model:  j.model,
		Prompt: buildPrompt(prompt, text, maxPoints),
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return grading.Judgment{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return grading.Judgment{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := j.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return grading.Judgment{}, grading.ErrJudgeTimeout
		}
		return grading.Judgment{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return grading.Judgment{}, err
	}
	if resp.StatusCode/100 != 2 {
		return grading.Judgment{}, fmt.Errorf("judge http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	out, err := parseGenerate(raw)
	if err != nil {
		return grading.Judgment{}, err
	}
	v, err := parseVerdict(out)
	if err != nil {
		return grading.Judgment{}, err
	}
	j.log.Debug("judge verdict", "model", j.model, "score", *v.Score, "max", maxPoints, "took", time.Since(start))
	return grading.Judgment{Score: *v.Score, Feedback: strings.TrimSpace(v.Feedback)}, nil
}

// parseGenerate accepts both a single JSON object and a newline separated
// stream of chunks, concatenating their response fields.
func parseGenerate(raw []byte) (string, error) {
	var b strings.Builder
	for _, line := range bytes.Split(bytes.TrimSpace(raw), []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var c generateChunk
		if err := json.Unmarshal(line, &c); err != nil {
			return "", fmt.Errorf("decode judge response: %w", err)
		}
		b.WriteString(c.Response)
	}
	if b.Len() == 0 {
		return "", errors.New("empty judge response")
	}
	return b.String(), nil
}

func parseVerdict(s string) (verdict, error) {
	s = strings.TrimSpace(s)
	// models sometimes wrap the object in prose or code fences
	if i, k := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && k > i {
		s = s[i : k+1]
	}
	var v verdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Score == nil {
		return verdict{}, errors.New("verdict has no score")
	}
	return v, nil
}
