package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	BusinessTimezone    string `mapstructure:"business_timezone"     validate:"required"`
	BusinessServiceDays string `mapstructure:"business_service_days" validate:"required"`
	BookingCapacity     int    `mapstructure:"booking_capacity"      validate:"min=1"`
	BookingHoldTTL      int    `mapstructure:"booking_hold_ttl"`

	PostgresHost            string `mapstructure:"postgres_host"              validate:"required"`
	PostgresUsername        string `mapstructure:"postgres_username"          validate:"required"`
	PostgresPassword        string `mapstructure:"postgres_password"          validate:"required"`
	PostgresPort            string `mapstructure:"postgres_port"              validate:"required"`
	PostgresDatabase        string `mapstructure:"postgres_database"          validate:"required"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	JobPollInterval    int `mapstructure:"job_poll_interval"`
	JobBatchSize       int `mapstructure:"job_batch_size"`
	JobLease           int `mapstructure:"job_lease"              validate:"min=1"`
	JobHandlerTimeout  int `mapstructure:"job_handler_timeout"    validate:"min=1,ltfield=JobLease"`
	JobBackoffMin      int `mapstructure:"job_backoff_min"        validate:"min=1"`
	JobBackoffMax      int `mapstructure:"job_backoff_max"        validate:"gtefield=JobBackoffMin"`
	JobSendMaxAttempts int `mapstructure:"job_send_max_attempts"`
	JobDraftMaxAttempt int `mapstructure:"job_draft_max_attempts"`
	PoolSize           int `mapstructure:"pool_size"`

	AutopilotEnabled              bool   `mapstructure:"autopilot_enabled"`
	AutopilotAutoSendAfter        int    `mapstructure:"autopilot_auto_send_after"`
	AutopilotRecentActivityWindow int    `mapstructure:"autopilot_recent_activity_window"`
	AutopilotHumanizeDelayMin     int    `mapstructure:"autopilot_humanize_delay_min"`
	AutopilotHumanizeDelayMax     int    `mapstructure:"autopilot_humanize_delay_max"`
	AutopilotDMMinSilence         int    `mapstructure:"autopilot_dm_min_silence"`
	AutopilotDMFallbackAfter      int    `mapstructure:"autopilot_dm_fallback_after"`
	AutopilotQuietHoursStart      int    `mapstructure:"autopilot_quiet_hours_start"  validate:"min=0,max=23"`
	AutopilotQuietHoursEnd        int    `mapstructure:"autopilot_quiet_hours_end"    validate:"min=0,max=23"`
	AutopilotMaxAutosendAge       int    `mapstructure:"autopilot_max_autosend_age"`
	AutopilotHistoryLimit         int    `mapstructure:"autopilot_history_limit"`
	AutopilotSMSMaxChars          int    `mapstructure:"autopilot_sms_max_chars"`
	AutopilotEmailMaxChars        int    `mapstructure:"autopilot_email_max_chars"`
	AutopilotMaxOpenItems         int    `mapstructure:"autopilot_max_open_items"`
	AutopilotAutosendChannels     string `mapstructure:"autopilot_autosend_channels"`
	AutopilotPromptVersion        string `mapstructure:"autopilot_prompt_version"`

	GenerationBaseURL               string  `mapstructure:"generation_base_url"`
	GenerationAPIKey                string  `mapstructure:"generation_api_key"`
	GenerationPlanModel             string  `mapstructure:"generation_plan_model"`
	GenerationWriteModel            string  `mapstructure:"generation_write_model"`
	GenerationTimeout               int     `mapstructure:"generation_timeout"`
	GenerationRetryMaxAttempts      uint    `mapstructure:"generation_retry_max_attempts"`
	GenerationRetryMinBackoff       int     `mapstructure:"generation_retry_min_backoff"`
	GenerationRetryMaxBackoff       int     `mapstructure:"generation_retry_max_backoff"`
	GenerationRateLimit             float64 `mapstructure:"generation_rate_limit"`
	GenerationRateBurst             int     `mapstructure:"generation_rate_burst"`
	GenerationIntervalCB            uint32  `mapstructure:"generation_interval_cb"`
	GenerationConsecutiveFailuresCB uint32  `mapstructure:"generation_consecutive_failures_cb"`

	GatewayBaseURL               string `mapstructure:"gateway_base_url"                validate:"required"`
	GatewayAPIKey                string `mapstructure:"gateway_api_key"                 validate:"required"`
	GatewayProxy                 string `mapstructure:"gateway_proxy"`
	GatewayTimeout               int    `mapstructure:"gateway_timeout"`
	GatewayRetryMaxAttempts      uint   `mapstructure:"gateway_retry_max_attempts"`
	GatewayRetryBackoffMin       int    `mapstructure:"gateway_retry_backoff_min"`
	GatewayRetryBackoffMax       int    `mapstructure:"gateway_retry_backoff_max"`
	GatewayIntervalCB            uint32 `mapstructure:"gateway_interval_cb"`
	GatewayConsecutiveFailuresCB uint32 `mapstructure:"gateway_consecutive_failures_cb"`
	EmailFromAddress             string `mapstructure:"email_from_address"`

	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"        validate:"required"`
	KafkaUsername              string `mapstructure:"kafka_username"                validate:"required"`
	KafkaPassword              string `mapstructure:"kafka_password"                validate:"required"`
	KafkaInboundTopic          string `mapstructure:"kafka_inbound_topic"           validate:"required"`
	KafkaInboundGroupID        string `mapstructure:"kafka_inbound_group_id"        validate:"required"`
	KafkaDMOutboundTopic       string `mapstructure:"kafka_dm_outbound_topic"       validate:"required"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb"`

	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	MinioEndpointURL            string `mapstructure:"minio_endpoint_url"`
	MinioAccessKey              string `mapstructure:"minio_access_key"`
	MinioSecretKey              string `mapstructure:"minio_secret_key"`
	MinioBucketName             string `mapstructure:"minio_bucket_name"`
	MinioPathPrefix             string `mapstructure:"minio_path_prefix"`
	MinioSecure                 bool   `mapstructure:"minio_secure"`
	MinioMaxRetryAttempts       uint   `mapstructure:"minio_max_retry_attempts"`
	MinioRetryBackoffMinSeconds int    `mapstructure:"minio_retry_backoff_min_seconds"`
	MinioRetryBackoffMaxSeconds int    `mapstructure:"minio_retry_backoff_max_seconds"`
	MinioTimeout                int    `mapstructure:"minio_timeout"`
	MinioIntervalCB             uint32 `mapstructure:"minio_interval_cb"`
	MinioConsecutiveFailuresCB  uint32 `mapstructure:"minio_consecutive_failures_cb"`

	DeadLetterPoolSize       int `mapstructure:"dead_letter_pool_size"`
	DeadLetterReplayInterval int `mapstructure:"dead_letter_replay_interval"`
	DeadLetterReplayLimit    int `mapstructure:"dead_letter_replay_limit"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`

	HTTPPort    string `mapstructure:"http_port"`
	HTTPTimeout int    `mapstructure:"http_timeout"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

// Load reads the environment (and an optional .env file) into Conf and validates it.
func Load() error {
	return loadEnvConfig(&Conf)
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	err = viper.Unmarshal(cfg)
	if err != nil {
		return err
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		return err
	}

	return nil
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("BUSINESS_TIMEZONE", "America/Chicago")
	viper.SetDefault("BUSINESS_SERVICE_DAYS", "mon,tue,wed,thu,fri,sat")
	viper.SetDefault("BOOKING_CAPACITY", "1")
	viper.SetDefault("BOOKING_HOLD_TTL", "600")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("JOB_POLL_INTERVAL", "5")
	viper.SetDefault("JOB_BATCH_SIZE", "25")
	viper.SetDefault("JOB_LEASE", "120")
	viper.SetDefault("JOB_HANDLER_TIMEOUT", "90")
	viper.SetDefault("JOB_BACKOFF_MIN", "10")
	viper.SetDefault("JOB_BACKOFF_MAX", "900")
	viper.SetDefault("JOB_SEND_MAX_ATTEMPTS", "12")
	viper.SetDefault("JOB_DRAFT_MAX_ATTEMPTS", "6")
	viper.SetDefault("POOL_SIZE", "10")
	viper.SetDefault("AUTOPILOT_ENABLED", "true")
	viper.SetDefault("AUTOPILOT_AUTO_SEND_AFTER", "15")
	viper.SetDefault("AUTOPILOT_RECENT_ACTIVITY_WINDOW", "14")
	viper.SetDefault("AUTOPILOT_HUMANIZE_DELAY_MIN", "20")
	viper.SetDefault("AUTOPILOT_HUMANIZE_DELAY_MAX", "60")
	viper.SetDefault("AUTOPILOT_DM_MIN_SILENCE", "5")
	viper.SetDefault("AUTOPILOT_DM_FALLBACK_AFTER", "120")
	viper.SetDefault("AUTOPILOT_QUIET_HOURS_START", "21")
	viper.SetDefault("AUTOPILOT_QUIET_HOURS_END", "8")
	viper.SetDefault("AUTOPILOT_MAX_AUTOSEND_AGE", "24")
	viper.SetDefault("AUTOPILOT_HISTORY_LIMIT", "20")
	viper.SetDefault("AUTOPILOT_SMS_MAX_CHARS", "320")
	viper.SetDefault("AUTOPILOT_EMAIL_MAX_CHARS", "1600")
	viper.SetDefault("AUTOPILOT_MAX_OPEN_ITEMS", "2")
	viper.SetDefault("AUTOPILOT_AUTOSEND_CHANNELS", "sms,dm")
	viper.SetDefault("AUTOPILOT_PROMPT_VERSION", "v1")
	viper.SetDefault("GENERATION_PLAN_MODEL", "gpt-4o-mini")
	viper.SetDefault("GENERATION_WRITE_MODEL", "gpt-4o")
	viper.SetDefault("GENERATION_TIMEOUT", "45")
	viper.SetDefault("GENERATION_RETRY_MAX_ATTEMPTS", "2")
	viper.SetDefault("GENERATION_RETRY_MIN_BACKOFF", "1")
	viper.SetDefault("GENERATION_RETRY_MAX_BACKOFF", "8")
	viper.SetDefault("GENERATION_RATE_LIMIT", "2")
	viper.SetDefault("GENERATION_RATE_BURST", "4")
	viper.SetDefault("GENERATION_INTERVAL_CB", "60")
	viper.SetDefault("GENERATION_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("GATEWAY_TIMEOUT", "20")
	viper.SetDefault("GATEWAY_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("GATEWAY_RETRY_BACKOFF_MIN", "1")
	viper.SetDefault("GATEWAY_RETRY_BACKOFF_MAX", "10")
	viper.SetDefault("GATEWAY_INTERVAL_CB", "30")
	viper.SetDefault("GATEWAY_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")
	viper.SetDefault("MINIO_SECURE", "true")
	viper.SetDefault("MINIO_MAX_RETRY_ATTEMPTS", "3")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MIN_SECONDS", "1")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MAX_SECONDS", "10")
	viper.SetDefault("MINIO_TIMEOUT", "30")
	viper.SetDefault("MINIO_INTERVAL_CB", "300")
	viper.SetDefault("MINIO_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("DEAD_LETTER_POOL_SIZE", "3")
	viper.SetDefault("DEAD_LETTER_REPLAY_INTERVAL", "1")
	viper.SetDefault("DEAD_LETTER_REPLAY_LIMIT", "50")
	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("HTTP_TIMEOUT", "15")
	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}
