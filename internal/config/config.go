package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode
	HTTPAddr string

	DBDriver string
	DBDSN    string

	EnableLocalAuth bool
	AuthSecret      string
	AdminUser       string
	AdminPassHash   string // bcrypt

	CORSOrigins []string

	LogMode       string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	AttemptCooldown time.Duration

	JudgeURL         string
	JudgeModel       string
	JudgeTimeout     time.Duration
	JudgeRatePerSec  float64
	JudgeBurst       int
	JudgeConcurrency int

	SweepInterval    time.Duration // 0 disables the background sweeper
	SweepBatch       int
	StaleSubmitAfter time.Duration

	CertPolicy      string // first_success|best_score
	CertSignedBy    string
	CertSignedTitle string
	CertCodePrefix  string

	RedisAddr   string
	RedisPrefix string
}

// FromEnv reads the process environment. A .env file in the working
// directory is loaded first when present; real env vars win.
func FromEnv() Config {
	_ = godotenv.Load()

	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeOffline
	}
	return Config{
		Mode:     mode,
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		EnableLocalAuth: envBool("ENABLE_LOCAL_AUTH", true),
		AuthSecret:      envOr("AUTH_HMAC_SECRET", "supersecret-dev-key"),
		AdminUser:       envOr("ADMIN_USER", "admin"),
		AdminPassHash:   envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173"),

		LogMode:       envOr("LOG_MODE", string(mode)),
		LogFile:       os.Getenv("LOG_FILE"),
		LogMaxSizeMB:  envInt("LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: envInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: envInt("LOG_MAX_AGE_DAYS", 28),

		AttemptCooldown: envDuration("ATTEMPT_COOLDOWN", 7*24*time.Hour),

		JudgeURL:         envOr("JUDGE_URL", "http://localhost:11434/api/generate"),
		JudgeModel:       envOr("JUDGE_MODEL", "mistral"),
		JudgeTimeout:     envDuration("JUDGE_TIMEOUT", 20*time.Second),
		JudgeRatePerSec:  envFloat("JUDGE_RATE_PER_SEC", 5),
		JudgeBurst:       envInt("JUDGE_BURST", 5),
		JudgeConcurrency: envInt("JUDGE_CONCURRENCY", 4),

		SweepInterval:    envDuration("SWEEP_INTERVAL", 30*time.Second),
		SweepBatch:       envInt("SWEEP_BATCH", 200),
		StaleSubmitAfter: envDuration("STALE_SUBMIT_AFTER", 10*time.Minute),

		CertPolicy:      envOr("CERT_POLICY", "first_success"),
		CertSignedBy:    envOr("CERT_SIGNED_BY", "Direction Pédagogique"),
		CertSignedTitle: envOr("CERT_SIGNED_TITLE", "Directeur des Études"),
		CertCodePrefix:  envOr("CERT_CODE_PREFIX", "LVX"),

		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RedisPrefix: envOr("REDIS_PREFIX", "analytics"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k))); err == nil {
		return v
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(k)), 64); err == nil {
		return v
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
