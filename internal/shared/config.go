package shared

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"hotelprice/internal/domain"
)

type Config struct {
	AppEnv      string `validate:"required"`
	LogLevel    string `validate:"omitempty,oneof=trace debug info warn error"`
	HTTPAddr    string `validate:"required"`
	MetricsAddr string
	MySQLDSN    string `validate:"required"`
	RedisAddr   string
	RedisDB     int `validate:"gte=0"`
	RedisPass   string
	CacheTTL    time.Duration `validate:"gte=0"`

	SourceKind    string `validate:"oneof=html api"`
	SourceBaseURL string `validate:"omitempty,url"`
	SourceAppID   string `validate:"required_if=SourceKind api"`
	UserAgent     string

	Area      string `validate:"required"`
	StayDates []time.Time
	Nights    int `validate:"gte=1,lte=30"`

	MinDelay       time.Duration `validate:"gte=1s"` // upstream asks for at least 1s
	MaxAttempts    int           `validate:"gte=1,lte=10"`
	BackoffBase    time.Duration `validate:"gt=0"`
	MaxThrottle    int           `validate:"gte=1,lte=1024"`
	RequestTimeout time.Duration `validate:"gt=0"`
	UnitTimeout    time.Duration `validate:"gt=0"`
}

// Load reads the environment, after an optional .env file, and validates it.
// Empty STAY_DATES means "the venue's event and baseline dates", resolved by
// the caller.
// Overrides replaces individual environment values, typically from CLI flags.
// A set field is used instead of its variable, which is then not read at all.
type Overrides struct {
	Area      *string
	Nights    *int
	StayDates *string
}

func Load() (Config, error) { return LoadWith(Overrides{}) }

// LoadWith reads the environment, applies o and validates the result once.
func LoadWith(o Overrides) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg(".env present but unreadable")
	}

	var errs []error
	atoi := func(k string, def int) int {
		if v := os.Getenv(k); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
				return def
			}
			return n
		}
		return def
	}
	dur := func(k string, def time.Duration) time.Duration {
		if v := os.Getenv(k); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
				return def
			}
			return d
		}
		return def
	}

	c := Config{
		AppEnv:      env("APP_ENV", "prod"),
		LogLevel:    strings.ToLower(env("LOG_LEVEL", "info")),
		HTTPAddr:    env("HTTP_ADDR", ":8080"),
		MetricsAddr: env("METRICS_ADDR", ":9100"),
		MySQLDSN:    env("MYSQL_DSN", "root:root@tcp(localhost:3306)/hotelprice?parseTime=true&charset=utf8mb4&loc=UTC"),
		RedisAddr:   env("REDIS_ADDR", "localhost:6379"),
		RedisPass:   env("REDIS_PASSWORD", ""),
		RedisDB:     atoi("REDIS_DB", 0),
		CacheTTL:    time.Duration(atoi("CACHE_TTL_SECONDS", 900)) * time.Second,

		SourceKind:    env("SOURCE_KIND", "html"),
		SourceBaseURL: env("SOURCE_BASE_URL", ""),
		SourceAppID:   env("RAKUTEN_APP_ID", ""),
		UserAgent:     env("USER_AGENT", ""),

		Area: env("AREA", "japan:tiba:keiyo"),

		MinDelay:       dur("MIN_DELAY", 2*time.Second),
		MaxAttempts:    atoi("MAX_ATTEMPTS", 4),
		BackoffBase:    dur("BACKOFF_BASE", 500*time.Millisecond),
		MaxThrottle:    atoi("MAX_THROTTLE", 32),
		RequestTimeout: dur("REQUEST_TIMEOUT", 30*time.Second),
		UnitTimeout:    dur("UNIT_TIMEOUT", 5*time.Minute),
	}
	if o.Area != nil {
		c.Area = *o.Area
	}
	if o.Nights != nil {
		c.Nights = *o.Nights
	} else {
		c.Nights = atoi("NIGHTS", 1)
	}
	dates, datesSrc := os.Getenv("STAY_DATES"), "STAY_DATES"
	if o.StayDates != nil {
		dates, datesSrc = *o.StayDates, "dates"
	}
	if dates != "" {
		ds, err := ParseDates(dates)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", datesSrc, err))
		}
		c.StayDates = ds
	}
	if err := errors.Join(errs...); err != nil {
		return c, err
	}
	return c, c.Validate()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := domain.ParseArea(c.Area); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseDates reads a comma-separated list of YYYY-MM-DD dates.
func ParseDates(s string) ([]time.Time, error) {
	var out []time.Time
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := domain.ParseDay(part)
		if err != nil {
			return nil, fmt.Errorf("date %q: want YYYY-MM-DD", part)
		}
		out = append(out, d)
	}
	return out, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
