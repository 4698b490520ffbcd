package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr        string
	DBDSN           string
	JWTIssuer       string
	JWTSecret       string
	JWTTTL          time.Duration
	WebSocketOrigin string
	RedisAddr       string

	PriceAPIURL string
	PriceTTL    time.Duration

	WithdrawFeeRate decimal.Decimal

	GrowthCron   string
	GrowthMinPct decimal.Decimal
	GrowthMaxPct decimal.Decimal
	GrowthBatch  int

	TickInterval time.Duration
	TickRate     decimal.Decimal
	TickPoll     time.Duration
	TickBatch    int
}

func Load() (Config, error) {
	var c Config
	var missing []string
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	jwtTTL := os.Getenv("JWT_TTL")
	if jwtTTL == "" {
		missing = append(missing, "JWT_TTL")
	} else {
		d, err := time.ParseDuration(jwtTTL)
		if err != nil {
			return c, err
		}
		c.JWTTTL = d
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")
	if c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}
	c.PriceAPIURL = os.Getenv("PRICE_API_URL")
	if c.PriceAPIURL == "" {
		missing = append(missing, "PRICE_API_URL")
	}
	c.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))

	var err error
	if c.PriceTTL, err = durationEnv("PRICE_TTL", 30*time.Second); err != nil {
		return c, err
	}
	if c.WithdrawFeeRate, err = decimalEnv("WITHDRAW_FEE_RATE", "0.30"); err != nil {
		return c, err
	}
	c.GrowthCron = os.Getenv("GROWTH_CRON")
	if c.GrowthCron == "" {
		// every 4 hours, Monday through Friday
		c.GrowthCron = "0 0 */4 * * 1-5"
	}
	if c.GrowthMinPct, err = decimalEnv("GROWTH_MIN_PCT", "0.005"); err != nil {
		return c, err
	}
	if c.GrowthMaxPct, err = decimalEnv("GROWTH_MAX_PCT", "0.025"); err != nil {
		return c, err
	}
	if c.GrowthMinPct.GreaterThan(c.GrowthMaxPct) {
		return c, errors.New("GROWTH_MIN_PCT must not exceed GROWTH_MAX_PCT")
	}
	if c.GrowthBatch, err = intEnv("GROWTH_BATCH", 200); err != nil {
		return c, err
	}
	if c.TickInterval, err = durationEnv("SIM_TICK_INTERVAL", 4*time.Hour); err != nil {
		return c, err
	}
	if c.TickRate, err = decimalEnv("SIM_TICK_RATE", "0.0125"); err != nil {
		return c, err
	}
	if c.TickPoll, err = durationEnv("SIM_TICK_POLL", 15*time.Second); err != nil {
		return c, err
	}
	if c.TickBatch, err = intEnv("SIM_TICK_BATCH", 50); err != nil {
		return c, err
	}
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return d, nil
}

func decimalEnv(name, def string) (decimal.Decimal, error) {
	raw := os.Getenv(name)
	if raw == "" {
		raw = def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.New("invalid " + name)
	}
	return d, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}
