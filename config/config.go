package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"outreach/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type Config struct {
	Environment    string `json:"environment"`
	ServerPort     string `json:"server_port"`
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`
	StorageDriver  string `json:"storage_driver"` // postgres, memory

	Redis RedisConfig `json:"redis"`

	WebhookSecret    string   `json:"-"`
	WebhookRateLimit int      `json:"webhook_rate_limit"`
	JWTSecret        string   `json:"-"`
	CORSOrigins      []string `json:"cors_origins"`

	DispatchProvider string     `json:"dispatch_provider"` // smtp, brevo, log
	SMTP             SMTPConfig `json:"smtp"`
	BrevoAPIKey      string     `json:"-"`
	BrevoBaseURL     string     `json:"brevo_base_url"`
	SenderEmail      string     `json:"sender_email"`
	SenderName       string     `json:"sender_name"`

	DailyEmailLimit       int           `json:"daily_email_limit"`
	TickInterval          time.Duration `json:"tick_interval"`
	TickBatchSize         int           `json:"tick_batch_size"`
	MaintenanceInterval   time.Duration `json:"maintenance_interval"`
	ClaimTTL              time.Duration `json:"claim_ttl"`
	DispatchTimeout       time.Duration `json:"dispatch_timeout"`
	MaxDispatchAttempts   int           `json:"max_dispatch_attempts"`
	CompletedKeyRetention time.Duration `json:"completed_key_retention"`
	FailedKeyRetention    time.Duration `json:"failed_key_retention"`
	ScheduleTimezone      string        `json:"schedule_timezone"`
	TemplatesFile         string        `json:"templates_file"`

	SentryDSN string `json:"-"`
}

func init() {
	// .env is optional
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "outreach"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		StorageDriver:  strings.ToLower(getEnv("STORAGE_DRIVER", "postgres")),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		WebhookSecret:    getEnv("WEBHOOK_SECRET", ""),
		WebhookRateLimit: getEnvAsInt("WEBHOOK_RATE_LIMIT", 600),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		CORSOrigins:      getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		DispatchProvider: strings.ToLower(getEnv("DISPATCH_PROVIDER", "log")),
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
		BrevoAPIKey:  getEnv("BREVO_API_KEY", ""),
		BrevoBaseURL: getEnv("BREVO_BASE_URL", "https://api.brevo.com"),
		SenderEmail:  getEnv("SENDER_EMAIL", ""),
		SenderName:   getEnv("SENDER_NAME", ""),

		DailyEmailLimit:       getEnvAsInt("DAILY_EMAIL_LIMIT", 50),
		TickInterval:          getEnvAsDuration("TICK_INTERVAL", time.Minute),
		TickBatchSize:         getEnvAsInt("TICK_BATCH_SIZE", 100),
		MaintenanceInterval:   getEnvAsDuration("MAINTENANCE_INTERVAL", 15*time.Minute),
		ClaimTTL:              getEnvAsDuration("CLAIM_TTL", 5*time.Minute),
		DispatchTimeout:       getEnvAsDuration("DISPATCH_TIMEOUT", 30*time.Second),
		MaxDispatchAttempts:   getEnvAsInt("MAX_DISPATCH_ATTEMPTS", 5),
		CompletedKeyRetention: getEnvAsDuration("COMPLETED_KEY_RETENTION", 7*24*time.Hour),
		FailedKeyRetention:    getEnvAsDuration("FAILED_KEY_RETENTION", time.Hour),
		ScheduleTimezone:      getEnv("SCHEDULE_TIMEZONE", "America/New_York"),
		TemplatesFile:         getEnv("TEMPLATES_FILE", ""),

		SentryDSN: getEnv("SENTRY_DSN", ""),
	}

	if err := AppConfig.Validate(); err != nil {
		return err
	}
	logConfig()
	return nil
}

// Validate checks required settings. Production refuses to start without
// secrets; other environments only need what the chosen drivers use.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case "postgres":
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case "memory":
		if c.Environment == "production" {
			return fmt.Errorf("STORAGE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	switch c.DispatchProvider {
	case "smtp":
		if c.SMTP.Host == "" || c.SenderEmail == "" {
			return fmt.Errorf("SMTP_HOST and SENDER_EMAIL are required for the smtp provider")
		}
	case "brevo":
		if c.BrevoAPIKey == "" || c.SenderEmail == "" {
			return fmt.Errorf("BREVO_API_KEY and SENDER_EMAIL are required for the brevo provider")
		}
	case "log":
		if c.Environment == "production" {
			return fmt.Errorf("DISPATCH_PROVIDER=log is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown DISPATCH_PROVIDER %q", c.DispatchProvider)
	}

	if c.Environment == "production" {
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
	}
	if _, err := time.LoadLocation(c.ScheduleTimezone); err != nil {
		return fmt.Errorf("invalid SCHEDULE_TIMEZONE: %w", err)
	}
	return nil
}

// Location is the zone preferred send times and weekends are evaluated in.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Info("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("✅ Successfully connected to the database")
	logrus.Info("🔄 Starting database migration...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("✅ Database migration completed")
	return nil
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":       AppConfig.Environment,
		"server_port":       AppConfig.ServerPort,
		"storage":           AppConfig.StorageDriver,
		"database":          fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":             AppConfig.Redis.Enabled,
		"dispatch_provider": AppConfig.DispatchProvider,
		"daily_email_limit": AppConfig.DailyEmailLimit,
		"tick_interval":     AppConfig.TickInterval.String(),
		"timezone":          AppConfig.ScheduleTimezone,
		"webhook_secret":    AppConfig.WebhookSecret != "",
	}).Info("🔧 Loaded configuration")
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Contact{},
		&models.SequenceTemplate{},
		&models.SequenceInstance{},
		&models.MessageSend{},
		&models.IdempotencyRecord{},
		&models.ProcessedEvent{},
		&models.UnmatchedEvent{},
	)
}
