// Package config содержит логику чтения конфигурации сервиса выдачи книг.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/library-circulation/internal/model"
)

// Config содержит параметры конфигурации сервиса выдачи книг.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	SupplierSystemAddress string `env:"SUPPLIER_SYSTEM_ADDRESS"`

	JWTSecret   string        `env:"JWT_SECRET"`
	RedisURL    string        `env:"REDIS_URL"`
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"3s"`

	ExpirySweepInterval  time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"1m"`
	SupplierSyncInterval time.Duration `env:"SUPPLIER_SYNC_INTERVAL" envDefault:"30s"`

	AutoOrderInterval  time.Duration   `env:"AUTO_ORDER_INTERVAL" envDefault:"0s"`
	AutoOrderSupplier  string          `env:"AUTO_ORDER_SUPPLIER"`
	AutoOrderThreshold decimal.Decimal `env:"AUTO_ORDER_THRESHOLD" envDefault:"0.5"`
	AutoOrderQuantity  int             `env:"AUTO_ORDER_QUANTITY" envDefault:"5"`

	Policy PolicyConfig
}

// PolicyConfig содержит константы правил выдачи и штрафов.
type PolicyConfig struct {
	DefaultLoanDays           int             `env:"DEFAULT_LOAN_DAYS" envDefault:"14"`
	MinLoanDays               int             `env:"MIN_LOAN_DAYS" envDefault:"1"`
	MaxLoanDays               int             `env:"MAX_LOAN_DAYS" envDefault:"90"`
	PickupWindowDays          int             `env:"PICKUP_WINDOW_DAYS" envDefault:"3"`
	PendingReservationTTLDays int             `env:"PENDING_RESERVATION_TTL_DAYS" envDefault:"7"`
	LostAfterDays             int             `env:"LOST_AFTER_DAYS" envDefault:"180"`
	ViolationBlockThreshold   int             `env:"VIOLATION_BLOCK_THRESHOLD" envDefault:"3"`
	UnpaidBlockAmount         decimal.Decimal `env:"UNPAID_BLOCK_AMOUNT" envDefault:"500.00"`
	OverdueFinePerDay         decimal.Decimal `env:"OVERDUE_FINE_PER_DAY" envDefault:"5.00"`
	LostBookFine              decimal.Decimal `env:"LOST_BOOK_FINE" envDefault:"200.00"`
	DamagedBookFine           decimal.Decimal `env:"DAMAGED_BOOK_FINE" envDefault:"50.00"`
	ForecastWindowDays        int             `env:"FORECAST_WINDOW_DAYS" envDefault:"90"`
}

// Model переводит настройки в политику доменного слоя.
func (p PolicyConfig) Model() model.Policy {
	return model.Policy{
		DefaultLoanDays:           p.DefaultLoanDays,
		MinLoanDays:               p.MinLoanDays,
		MaxLoanDays:               p.MaxLoanDays,
		PickupWindowDays:          p.PickupWindowDays,
		PendingReservationTTLDays: p.PendingReservationTTLDays,
		LostAfterDays:             p.LostAfterDays,
		ViolationBlockThreshold:   p.ViolationBlockThreshold,
		UnpaidBlockAmount:         p.UnpaidBlockAmount,
		OverdueFinePerDay:         p.OverdueFinePerDay,
		LostBookFine:              p.LostBookFine,
		DamagedBookFine:           p.DamagedBookFine,
		ForecastWindowDays:        p.ForecastWindowDays,
	}
}

func (p PolicyConfig) validate() error {
	if p.MinLoanDays < 1 || p.MaxLoanDays < p.MinLoanDays {
		return fmt.Errorf("loan days range [%d, %d] is invalid", p.MinLoanDays, p.MaxLoanDays)
	}
	if p.DefaultLoanDays < p.MinLoanDays || p.DefaultLoanDays > p.MaxLoanDays {
		return fmt.Errorf("default loan days %d outside [%d, %d]", p.DefaultLoanDays, p.MinLoanDays, p.MaxLoanDays)
	}
	if p.PickupWindowDays < 0 || p.PendingReservationTTLDays < 0 || p.LostAfterDays < 0 || p.ForecastWindowDays < 0 {
		return fmt.Errorf("day counts must not be negative")
	}
	for name, v := range map[string]decimal.Decimal{
		"UNPAID_BLOCK_AMOUNT":  p.UnpaidBlockAmount,
		"OVERDUE_FINE_PER_DAY": p.OverdueFinePerDay,
		"LOST_BOOK_FINE":       p.LostBookFine,
		"DAMAGED_BOOK_FINE":    p.DamagedBookFine,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSupplierAddress := cfg.SupplierSystemAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store if empty")
	flag.StringVar(&cfg.SupplierSystemAddress, "s", "", "supplier system address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSupplierAddress != "" {
		cfg.SupplierSystemAddress = envSupplierAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.LockTimeout <= 0 {
		return nil, fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if cfg.AutoOrderInterval > 0 {
		if cfg.AutoOrderSupplier == "" {
			return nil, fmt.Errorf("AUTO_ORDER_SUPPLIER is required when AUTO_ORDER_INTERVAL is set")
		}
		if !cfg.AutoOrderThreshold.IsPositive() || cfg.AutoOrderQuantity <= 0 {
			return nil, fmt.Errorf("AUTO_ORDER_THRESHOLD and AUTO_ORDER_QUANTITY must be positive")
		}
	}
	if err := cfg.Policy.validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	return cfg, nil
}
