// Package config provides utilities to load engine environment variables & set config structs, it includes app, logger, db, redis cache, amqp, oracle and scheduler tuning variables.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, database, cache, queue, oracle, scheduler and calibration
type (
	AppConfig struct {
		App         *App         `mapstructure:"app"`
		Redis       *Redis       `mapstructure:"redis"`
		Logger      *Logger      `mapstructure:"logger"`
		DB          *DB          `mapstructure:"db"`
		AMQP        *AMQP        `mapstructure:"amqp"`
		Oracle      *Oracle      `mapstructure:"oracle"`
		Scheduler   *Scheduler   `mapstructure:"scheduler"`
		Calibration *Calibration `mapstructure:"calibration"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the cache service
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		TTL      time.Duration `mapstructure:"ttl"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
	}

	// AMQP contains the environment variables for the message broker
	AMQP struct {
		URL string `mapstructure:"url"`
	}

	// Oracle contains the environment variables for the estimation service
	Oracle struct {
		BaseURL string        `mapstructure:"baseUrl"`
		Timeout time.Duration `mapstructure:"timeout"`
	}

	// Scheduler contains the optimization pass tuning knobs. Alpha is the
	// lateness/makespan trade-off, the improvement budget bounds the
	// refinement phase wall-clock time.
	Scheduler struct {
		Alpha             float64       `mapstructure:"alpha"`
		Horizon           time.Duration `mapstructure:"horizon"`
		ImprovementBudget time.Duration `mapstructure:"improvementBudget"`
		MaxNonImproving   int           `mapstructure:"maxNonImproving"`
	}

	// Calibration contains the feedback loop tuning knobs
	Calibration struct {
		Weight       float64 `mapstructure:"weight"`
		RestoreLimit int     `mapstructure:"restoreLimit"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// addZapEncoderConfig fills the parts of the encoder config viper cannot
// unmarshal from yaml (function-typed fields)
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// New creates a new AppConfig instance
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("config file not found: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind DB variables
	viper.BindEnv("db.host", "PG_HOST")
	viper.BindEnv("db.port", "PG_PORT")
	viper.BindEnv("db.user", "PG_USER")
	viper.BindEnv("db.password", "PG_PASS")
	viper.BindEnv("db.name", "PG_DB")

	// Bind cache variables
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind broker & estimator variables
	viper.BindEnv("amqp.url", "AMQP_URL")
	viper.BindEnv("oracle.baseUrl", "ORACLE_BASE_URL")

	// Create an instance of AppConfig
	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}
