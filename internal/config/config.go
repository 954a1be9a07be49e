package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port     string `validate:"required"`
	DBConn   string `validate:"required"`
	LogLevel string

	JWTSecret            string `validate:"required"`
	OperatorUser         string `validate:"required"`
	OperatorPasswordHash string
	EncryptionKey        []byte `validate:"required"`
	HMACSecret           []byte `validate:"required"`

	BankURL    string `validate:"required,url"`
	BankAPIKey string

	Creditor Creditor

	ArtifactDir    string
	ArtifactBucket string
	AWSRegion      string

	SMTPHost      string
	SMTPPort      string
	SMTPUsername  string
	SMTPPassword  string
	SenderEmail   string
	OperatorEmail string

	PipelineCron string `validate:"required"`

	Billing Billing
}

// Creditor identifies the collecting organisation in generated files.
type Creditor struct {
	Name       string `validate:"required,max=70"`
	IBAN       string `validate:"required"`
	BIC        string `validate:"required"`
	CreditorID string `validate:"required,max=35"`
}

// Billing is the policy surface of the dues engine.
type Billing struct {
	Currency           string `validate:"required,len=3"`
	MinNoticeDays      int    `validate:"gte=0"`
	CollectionLeadDays int    `validate:"gte=0"`
	GraceStandardDays  int    `validate:"gte=0"`
	GraceExtendedDays  int    `validate:"gte=0"`
	GraceHardshipDays  int    `validate:"gte=0"`
	FrequencyIntervals map[models.BillingFrequency]int
	Holidays           []time.Time
	ProrationEnabled   bool
	WorkerPoolSize     int `validate:"gte=1"`
	MaxSubmitAttempts  int `validate:"gte=1"`
	GenerationRetries  uint64
	NotificationRules  []models.NotificationRule
	ReminderDaysBefore int `validate:"gte=0"`
}

// RunSettings is the immutable view of the policy that one pipeline run uses.
// It is resolved once when the run starts and passed explicitly to every stage.
type RunSettings struct {
	Currency           string
	MinNoticeDays      int
	CollectionLeadDays int
	GraceTiers         map[models.GraceTier]int
	FrequencyIntervals map[models.BillingFrequency]int
	Calendar           *utils.BusinessCalendar
	ProrationEnabled   bool
	WorkerPoolSize     int
	MaxSubmitAttempts  int
	GenerationRetries  uint64
	NotificationRules  []models.NotificationRule
}

// NewConfig loads configuration from environment variables, reading a .env
// file first when one is present.
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	encKey, err := hexEnv("ENCRYPTION_KEY", "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6")
	if err != nil {
		return nil, err
	}
	hmacSecret, err := hexEnv("HMAC_SECRET", "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DBConn:               getEnv("DB_CONN", "host=localhost port=5436 user=test password=test dbname=dues sslmode=disable"),
		LogLevel:             getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:            getEnv("JWT_SECRET", "secret"),
		OperatorUser:         getEnv("OPERATOR_USER", "operator"),
		OperatorPasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),
		EncryptionKey:        encKey,
		HMACSecret:           hmacSecret,
		BankURL:              getEnv("BANK_URL", "http://localhost:9090"),
		BankAPIKey:           getEnv("BANK_API_KEY", ""),
		Creditor: Creditor{
			Name:       getEnv("CREDITOR_NAME", "Vereniging"),
			IBAN:       getEnv("CREDITOR_IBAN", "NL91ABNA0417164300"),
			BIC:        getEnv("CREDITOR_BIC", "ABNANL2A"),
			CreditorID: getEnv("CREDITOR_ID", "NL98ZZZ999999999999"),
		},
		ArtifactDir:    getEnv("ARTIFACT_DIR", "./artifacts"),
		ArtifactBucket: getEnv("ARTIFACT_BUCKET", ""),
		AWSRegion:      getEnv("AWS_REGION", "eu-west-1"),
		SMTPHost:       getEnv("SMTP_HOST", ""),
		SMTPPort:       getEnv("SMTP_PORT", "587"),
		SMTPUsername:   getEnv("SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
		SenderEmail:    getEnv("SENDER_EMAIL", "billing@example.org"),
		OperatorEmail:  getEnv("OPERATOR_EMAIL", ""),
		PipelineCron:   getEnv("PIPELINE_CRON", "0 6 * * *"),
	}

	billing, err := loadBilling()
	if err != nil {
		return nil, err
	}
	cfg.Billing = *billing

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadBilling() (*Billing, error) {
	var err error
	b := &Billing{
		Currency:         strings.ToUpper(getEnv("CURRENCY", "EUR")),
		ProrationEnabled: getEnv("PRORATION_ENABLED", "true") == "true",
	}

	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"MIN_NOTICE_DAYS", 2, &b.MinNoticeDays},
		{"COLLECTION_LEAD_BUSINESS_DAYS", 5, &b.CollectionLeadDays},
		{"GRACE_STANDARD_DAYS", 30, &b.GraceStandardDays},
		{"GRACE_EXTENDED_DAYS", 60, &b.GraceExtendedDays},
		{"GRACE_HARDSHIP_DAYS", 90, &b.GraceHardshipDays},
		{"WORKER_POOL_SIZE", 4, &b.WorkerPoolSize},
		{"MAX_SUBMIT_ATTEMPTS", 5, &b.MaxSubmitAttempts},
		{"REMINDER_DAYS_BEFORE", 7, &b.ReminderDaysBefore},
	}
	for _, i := range ints {
		if *i.dest, err = intEnv(i.key, i.def); err != nil {
			return nil, err
		}
	}

	retries, err := intEnv("GENERATION_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	b.GenerationRetries = uint64(retries)

	if b.CollectionLeadDays < b.MinNoticeDays {
		return nil, fmt.Errorf("COLLECTION_LEAD_BUSINESS_DAYS (%d) must not be below MIN_NOTICE_DAYS (%d)", b.CollectionLeadDays, b.MinNoticeDays)
	}

	if b.FrequencyIntervals, err = ParseFrequencyIntervals(getEnv("FREQUENCY_INTERVALS", "monthly=1,quarterly=3,annual=12")); err != nil {
		return nil, err
	}
	if b.Holidays, err = ParseHolidays(getEnv("BANK_HOLIDAYS", "")); err != nil {
		return nil, err
	}
	b.NotificationRules = DefaultNotificationRules(b.ReminderDaysBefore)
	return b, nil
}

// RunSettings freezes the billing policy for one run.
func (c *Config) RunSettings() RunSettings {
	return c.Billing.RunSettings()
}

func (b Billing) RunSettings() RunSettings {
	intervals := make(map[models.BillingFrequency]int, len(b.FrequencyIntervals))
	for k, v := range b.FrequencyIntervals {
		intervals[k] = v
	}
	rules := append([]models.NotificationRule(nil), b.NotificationRules...)

	return RunSettings{
		Currency:           b.Currency,
		MinNoticeDays:      b.MinNoticeDays,
		CollectionLeadDays: b.CollectionLeadDays,
		GraceTiers: map[models.GraceTier]int{
			models.GraceStandard: b.GraceStandardDays,
			models.GraceExtended: b.GraceExtendedDays,
			models.GraceHardship: b.GraceHardshipDays,
		},
		FrequencyIntervals: intervals,
		Calendar:           utils.NewBusinessCalendar(b.Holidays),
		ProrationEnabled:   b.ProrationEnabled,
		WorkerPoolSize:     b.WorkerPoolSize,
		MaxSubmitAttempts:  b.MaxSubmitAttempts,
		GenerationRetries:  b.GenerationRetries,
		NotificationRules:  rules,
	}
}

// DefaultBilling is the policy used when nothing is configured.
func DefaultBilling() Billing {
	return Billing{
		Currency:           "EUR",
		MinNoticeDays:      2,
		CollectionLeadDays: 5,
		GraceStandardDays:  30,
		GraceExtendedDays:  60,
		GraceHardshipDays:  90,
		FrequencyIntervals: map[models.BillingFrequency]int{
			models.FrequencyMonthly:   1,
			models.FrequencyQuarterly: 3,
			models.FrequencyAnnual:    12,
		},
		ProrationEnabled:   true,
		WorkerPoolSize:     4,
		MaxSubmitAttempts:  5,
		GenerationRetries:  3,
		ReminderDaysBefore: 7,
		NotificationRules:  DefaultNotificationRules(7),
	}
}

// DefaultNotificationRules mirrors the reminder ladder: an upcoming notice,
// a friendly reminder the day after the due date, an urgent one after two
// weeks, a final notice once the grace period ends and a suspension notice.
func DefaultNotificationRules(daysBefore int) []models.NotificationRule {
	return []models.NotificationRule{
		{Template: "dues_upcoming", DayOffset: -daysBefore, Status: models.StatusCurrent},
		{Template: "payment_reminder_friendly", DayOffset: 1, Status: models.StatusLate},
		{Template: "payment_reminder_urgent", DayOffset: 14, Status: models.StatusOverdue},
		{Template: "payment_reminder_final", DayOffset: 1, AfterGrace: true, Status: models.StatusSeriouslyOverdue},
		{Template: "membership_suspended", DayOffset: 31, AfterGrace: true, Status: models.StatusSuspended},
	}
}

// ParseFrequencyIntervals parses "monthly=1,quarterly=3,annual=12".
func ParseFrequencyIntervals(raw string) (map[models.BillingFrequency]int, error) {
	out := make(map[models.BillingFrequency]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid FREQUENCY_INTERVALS entry %q", part)
		}
		months, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || months <= 0 {
			return nil, fmt.Errorf("invalid interval for %q: %q", k, v)
		}
		out[models.BillingFrequency(strings.TrimSpace(k))] = months
	}
	for _, f := range []models.BillingFrequency{models.FrequencyMonthly, models.FrequencyQuarterly, models.FrequencyAnnual} {
		if _, ok := out[f]; !ok {
			return nil, fmt.Errorf("FREQUENCY_INTERVALS is missing %q", f)
		}
	}
	return out, nil
}

// ParseHolidays parses a comma separated list of ISO dates.
func ParseHolidays(raw string) ([]time.Time, error) {
	var out []time.Time
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := utils.ParseDate(part)
		if err != nil {
			return nil, fmt.Errorf("invalid BANK_HOLIDAYS entry %q: %w", part, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	raw := getEnv(key, strconv.Itoa(defaultVal))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return v, nil
}

func hexEnv(key, defaultVal string) ([]byte, error) {
	v, err := hex.DecodeString(getEnv(key, defaultVal))
	if err != nil {
		return nil, fmt.Errorf("%s must be hex encoded: %w", key, err)
	}
	return v, nil
}
