package core

import (
	"fmt"
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Debug            bool
		TestMode         bool
		Env              string // DEV (local; default), TEST, QA, PROD
		Build            string
		AppName          string
		SecretKey        string
		FrontendBaseURL  string
		WorkDir          string
		DefaultFromEmail mail.Address
		SendgridAPIKey   string
		RollbarToken     string

		Server    ServerConfig
		Database  DatabaseConfig
		Messaging MessagingConfig
		Broadcast BroadcastConfig
		Scheduler SchedulerConfig
		Realtime  RealtimeConfig
	}

	ServerConfig struct {
		Host               string
		Address            string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Host          string
		Port          int
		DisableTLS    bool
	}

	MessagingConfig struct {
		MaxContentLength  int
		MaxAttachments    int
		MaxAttachmentSize int64
		PageSize          int
		SendAttempts      int
		SendRetryBackoff  time.Duration
	}

	BroadcastConfig struct {
		Workers       int
		SendTimeout   time.Duration
		RatePerSecond float64
		RateBurst     int
	}

	SchedulerConfig struct {
		ScanInterval time.Duration
		Cron         string // optional; gates scans to matching ticks when set
		MinLead      time.Duration
		MaxAttempts  int
		BatchSize    int
		Workers      int
	}

	RealtimeConfig struct {
		PingInterval     time.Duration
		HeartbeatTimeout time.Duration
		SubscriberBuffer int
		TapBuffer        int
	}
)

func (c DatabaseConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("debug", true)
	conf.SetDefault("appName", "Ujumbe")
	conf.SetDefault("secretKey", "w#2dyn&0h)9v5mh3*bv8e9t+s0=r^ptj9&2!fdyc+bnyf$k2f3")
	conf.SetDefault("frontendBaseURL", "http://localhost:3000")
	conf.SetDefault("defaultFromEmail", "noreply@localhost")
	conf.SetDefault("build", "dev")
	conf.SetDefault("jwtExpirationDelta", 7*24*time.Hour)

	conf.SetDefault("serverHost", "localhost")
	conf.SetDefault("serverAddress", ":8000")
	conf.SetDefault("serverDebugHost", "localhost:6060")
	conf.SetDefault("serverShutdownTimeout", 5*time.Second)

	conf.SetDefault("dbEngine", "postgres")
	conf.SetDefault("dbName", "ujumbe")
	conf.SetDefault("dbUser", "ujumbe")
	conf.SetDefault("dbHost", "localhost")
	conf.SetDefault("dbPort", 5432)
	conf.SetDefault("dbDisableTLS", true)

	conf.SetDefault("messageMaxLength", 5000)
	conf.SetDefault("messageMaxAttachments", 10)
	conf.SetDefault("messageMaxAttachmentSize", int64(25<<20)) // 25 MiB
	conf.SetDefault("messagePageSize", 50)
	conf.SetDefault("messageSendAttempts", 3)
	conf.SetDefault("messageSendRetryBackoff", 200*time.Millisecond)

	conf.SetDefault("broadcastWorkers", 8)
	conf.SetDefault("broadcastSendTimeout", 10*time.Second)
	conf.SetDefault("broadcastRatePerSecond", float64(50))
	conf.SetDefault("broadcastRateBurst", 10)

	conf.SetDefault("schedulerScanInterval", time.Minute)
	conf.SetDefault("schedulerCron", "")
	conf.SetDefault("schedulerMinLead", 5*time.Minute)
	conf.SetDefault("schedulerMaxAttempts", 3)
	conf.SetDefault("schedulerBatchSize", 50)
	conf.SetDefault("schedulerWorkers", 4)

	conf.SetDefault("realtimePingInterval", 30*time.Second)
	conf.SetDefault("realtimeHeartbeatTimeout", 90*time.Second)
	conf.SetDefault("realtimeSubscriberBuffer", 64)
	conf.SetDefault("realtimeTapBuffer", 256)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case strings.ToUpper("TEST"):
		conf.SetDefault("testMode", true)
	}
	conf.SetEnvPrefix(env)

	wd := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	return &Config{
		Debug:            conf.GetBool("debug"),
		TestMode:         conf.GetBool("testMode"),
		Env:              env,
		Build:            conf.GetString("build"),
		AppName:          conf.GetString("appName"),
		SecretKey:        conf.GetString("secretKey"),
		FrontendBaseURL:  conf.GetString("frontendBaseURL"),
		WorkDir:          wd,
		DefaultFromEmail: mail.Address{Address: conf.GetString("defaultFromEmail")},
		SendgridAPIKey:   conf.GetString("sendgridApiKey"),
		RollbarToken:     conf.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:               conf.GetString("serverHost"),
			Address:            conf.GetString("serverAddress"),
			DebugHost:          conf.GetString("serverDebugHost"),
			ShutdownTimeout:    conf.GetDuration("serverShutdownTimeout"),
			JWTExpirationDelta: conf.GetDuration("jwtExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        conf.GetString("dbEngine"),
			Name:          conf.GetString("dbName"),
			User:          conf.GetString("dbUser"),
			Password:      conf.GetString("dbPassword"),
			AdminUser:     conf.GetString("dbAdminUser"),
			AdminPassword: conf.GetString("dbAdminPassword"),
			Host:          conf.GetString("dbHost"),
			Port:          conf.GetInt("dbPort"),
			DisableTLS:    conf.GetBool("dbDisableTLS"),
		},
		Messaging: MessagingConfig{
			MaxContentLength:  conf.GetInt("messageMaxLength"),
			MaxAttachments:    conf.GetInt("messageMaxAttachments"),
			MaxAttachmentSize: conf.GetInt64("messageMaxAttachmentSize"),
			PageSize:          conf.GetInt("messagePageSize"),
			SendAttempts:      conf.GetInt("messageSendAttempts"),
			SendRetryBackoff:  conf.GetDuration("messageSendRetryBackoff"),
		},
		Broadcast: BroadcastConfig{
			Workers:       conf.GetInt("broadcastWorkers"),
			SendTimeout:   conf.GetDuration("broadcastSendTimeout"),
			RatePerSecond: conf.GetFloat64("broadcastRatePerSecond"),
			RateBurst:     conf.GetInt("broadcastRateBurst"),
		},
		Scheduler: SchedulerConfig{
			ScanInterval: conf.GetDuration("schedulerScanInterval"),
			Cron:         conf.GetString("schedulerCron"),
			MinLead:      conf.GetDuration("schedulerMinLead"),
			MaxAttempts:  conf.GetInt("schedulerMaxAttempts"),
			BatchSize:    conf.GetInt("schedulerBatchSize"),
			Workers:      conf.GetInt("schedulerWorkers"),
		},
		Realtime: RealtimeConfig{
			PingInterval:     conf.GetDuration("realtimePingInterval"),
			HeartbeatTimeout: conf.GetDuration("realtimeHeartbeatTimeout"),
			SubscriberBuffer: conf.GetInt("realtimeSubscriberBuffer"),
			TapBuffer:        conf.GetInt("realtimeTapBuffer"),
		},
	}
}
