package mtask

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfigFile is returned alongside a usable Config when the env file could
// not be read and defaults were applied.
var ErrConfigFile = errors.New("config file not loaded")

type Config struct {
	ConfigPath  string
	Profile     string
	Verbose     bool
	ApiGinMode  string
	InitSQLPath string

	Port           string
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	FrontendURL    string

	// auth: keycloak | local
	AuthMode    string
	AuthAddress string
	Issuer      string
	Audience    string
	Realm       string
	ClientID    string
	// secrets are masked when the config is printed
	ClientSecret string `secret:"true"`
	UserGroup    string
	JWTSecret    string `secret:"true"`
	JWTIssuer    string
	JWTTTL       time.Duration

	// storage: postgres | mongo | memory
	DBDriver      string
	DBAddress     string
	DBUser        string
	DBPassword    string `secret:"true"`
	DBName        string
	MongoURI      string `secret:"true"`
	MongoDatabase string

	// mail
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string `secret:"true"`
	MailFrom     string

	// reconciler
	ReconcileEnabled  bool
	ReconcileInterval time.Duration
	ReconcileBatch    int
	MaxEmailAttempts  int
	DeadlineWindow    time.Duration
	InviteGrace       time.Duration
}

// LoadConfig reads the env file at path (if present) into the process
// environment and builds a Config with defaults for everything unset.
func LoadConfig(path string) (Config, error) {
	var loadErr error
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			loadErr = fmt.Errorf("%w: %s: %v", ErrConfigFile, path, err)
		}
	}

	s := strings.Split(path, "/")
	config := Config{
		ConfigPath:  s[len(s)-1],
		Profile:     getEnv("PROFILE", "baremetal"),
		Verbose:     getBoolEnv("VERBOSE", "false"),
		ApiGinMode:  getEnv("GIN_MODE", "debug"),
		InitSQLPath: getEnv("INIT_SQL_PATH", ""),

		Port:           getEnv("PORT", "5030"),
		AllowedOrigins: getEnvFields("ALLOW_ORIGINS", []string{"*"}),
		AllowedMethods: getEnvFields("ALLOW_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		AllowedHeaders: getEnvFields("ALLOW_HEADERS", []string{"Origin", "Content-Type", "Authorization"}),
		FrontendURL:    getEnv("FRONTEND_URL", "http://localhost:3000"),

		AuthMode:     strings.ToLower(getEnv("AUTH_MODE", "local")),
		AuthAddress:  getEnv("AUTH_ADDRESS", "localhost:5555"),
		Issuer:       getEnv("KC_ISSUER", ""),
		Audience:     getEnv("KC_AUDIENCE", "collab-tasks"),
		Realm:        getEnv("KC_REALM", "collab-tasks"),
		ClientID:     getEnv("KC_CLIENT", "collab-tasks-api"),
		ClientSecret: getEnv("KC_CLIENT_SECRET", ""),
		UserGroup:    getEnv("KC_USER_GROUP", ""),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", "collab-tasks"),
		JWTTTL:       getDurationEnv("JWT_TTL", 24*time.Hour),

		DBDriver:      strings.ToLower(getEnv("DB_DRIVER", "memory")),
		DBAddress:     getEnv("DB_ADDRESS", "localhost:5432"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "tasks"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "tasks"),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getIntEnv("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		MailFrom:     getEnv("MAIL_FROM", ""),

		ReconcileEnabled:  getBoolEnv("RECONCILE_ENABLED", "true"),
		ReconcileInterval: getDurationEnv("RECONCILE_INTERVAL", time.Minute),
		ReconcileBatch:    getIntEnv("RECONCILE_BATCH", 50),
		MaxEmailAttempts:  getIntEnv("MAX_EMAIL_ATTEMPTS", 5),
		DeadlineWindow:    getDurationEnv("DEADLINE_WINDOW", 24*time.Hour),
		InviteGrace:       getDurationEnv("INVITE_GRACE", 0),
	}
	if config.Issuer == "" {
		config.Issuer = fmt.Sprintf("http://%s/realms/%s", config.AuthAddress, config.Realm)
	}

	if err := config.validate(); err != nil {
		return config, err
	}
	return config, loadErr
}

func (cfg *Config) validate() error {
	switch cfg.AuthMode {
	case "keycloak":
	case "local":
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when AUTH_MODE=local")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", cfg.AuthMode)
	}
	switch cfg.DBDriver {
	case "postgres", "mongo", "memory":
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
	return nil
}

func (cfg *Config) smtp() SMTPConfig {
	return SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	}
}

func (cfg *Config) reconciler() ReconcilerConfig {
	return ReconcilerConfig{
		BatchSize:      cfg.ReconcileBatch,
		Interval:       cfg.ReconcileInterval,
		MaxAttempts:    cfg.MaxEmailAttempts,
		DeadlineWindow: cfg.DeadlineWindow,
		PendingGrace:   cfg.InviteGrace,
	}
}

func getEnv(env, fallback string) string {
	if value, exists := os.LookupEnv(env); exists {
		return value
	}

	return fallback
}

func getEnvFields(env string, fallback []string) []string {
	if value, exists := os.LookupEnv(env); exists {
		fields := strings.Split(strings.TrimSpace(value), ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		return fields
	}

	return fallback
}

func getBoolEnv(env, fallback string) bool {
	if value, exists := os.LookupEnv(env); exists {
		return strings.ToLower(value) == "true"
	}

	return strings.ToLower(fallback) == "true"
}

func getIntEnv(env string, fallback int) int {
	if value, exists := os.LookupEnv(env); exists {
		intValue, err := strconv.Atoi(value)
		if err == nil {
			return intValue
		}
	}

	return fallback
}

func getDurationEnv(env string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(env); exists {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}

	return fallback
}

// String renders one line per field, masking secrets.
func (cfg *Config) String() string {
	var strBuilder strings.Builder

	reflectedValues := reflect.ValueOf(cfg).Elem()
	reflectedTypes := reflect.TypeOf(cfg).Elem()

	strBuilder.WriteString(fmt.Sprintf("[CFG]CONFIGURATION: %s\n", cfg.ConfigPath))

	for i := range reflectedValues.NumField() {
		field := reflectedTypes.Field(i)
		fieldValue := reflectedValues.Field(i).Interface()

		if field.Tag.Get("secret") == "true" {
			if s, _ := fieldValue.(string); s != "" {
				fieldValue = "****"
			}
		}

		strBuilder.WriteString(fmt.Sprintf("[CFG]%2d. %-18s -> %v\n", i+1, field.Name, fieldValue))
	}

	return strBuilder.String()
}
