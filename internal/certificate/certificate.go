package certificate

import (
	"crypto/rand"
	"errors"
	"math"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("certificate not found")
	ErrNotEligible = errors.New("attempt not eligible for a certificate")

	// ErrCodeCollision is returned by stores when the verification code is
	// already taken. The issuer regenerates and tries again.
	ErrCodeCollision = errors.New("verification code collision")
	// ErrExists is returned by stores when (user, course) already holds a
	// certificate.
	ErrExists = errors.New("certificate exists")
)

type Mention string

const (
	TresBien  Mention = "Très Bien"
	Bien      Mention = "Bien"
	AssezBien Mention = "Assez Bien"
	Passable  Mention = "Passable"
)

var mentionSteps = []struct {
	min     float64
	mention Mention
}{
	{90, TresBien},
	{75, Bien},
	{60, AssezBien},
	{40, Passable},
}

// MentionFor maps a percentage to its mention. ok is false below 40.
func MentionFor(percentage float64) (m Mention, ok bool) {
	for _, s := range mentionSteps {
		if percentage >= s.min {
			return s.mention, true
		}
	}
	return "", false
}

// ScoreOn20 converts a percentage to the 20 point scale, two decimals.
func ScoreOn20(percentage float64) float64 {
	return math.Round(percentage/5*100) / 100
}

type Certificate struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	CourseID         string    `json:"course_id"`
	AttemptID        string    `json:"attempt_id"`
	Score            float64   `json:"score"`
	MaxScore         float64   `json:"max_score"`
	Percentage       float64   `json:"percentage"`
	ScoreOn20        float64   `json:"score_on_20"`
	Mention          Mention   `json:"mention"`
	IssuedAt         time.Time `json:"issued_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	VerificationCode string    `json:"verification_code"`
	SignedBy         string    `json:"signed_by"`
	SignedTitle      string    `json:"signed_title"`
}

// Policy decides what a later passing attempt does to an existing
// certificate.
type Policy string

const (
	// FirstSuccess keeps the first certificate untouched.
	FirstSuccess Policy = "first_success"
	// BestScore moves the certificate to a strictly better attempt, keeping
	// its id and verification code.
	BestScore Policy = "best_score"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FirstSuccess:
		return FirstSuccess, nil
	case BestScore:
		return BestScore, nil
	}
	return "", errors.New("unknown certificate policy: " + s)
}

type CodeGenerator interface {
	Generate() (string, error)
}

// crockford base32 without I, L, O, U
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// RandomCodes produces PREFIX-XXXX-XXXX-XXXX-XXXX codes with 80 random bits.
type RandomCodes struct {
	Prefix string
}

func (g RandomCodes) Generate() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	var b strings.Builder
	if g.Prefix != "" {
		b.WriteString(g.Prefix)
		b.WriteByte('-')
	}
	for i, v := range buf {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[v&31])
	}
	return b.String(), nil
}

// NormalizeCode canonicalizes a code typed or pasted by a verifier.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
