package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIURL        string
	StreamURL     string
	APIToken      string
	APIEmail      string
	APIPassword   string
	WatchPatients []string
	HistoryDays   int

	APITimeout      time.Duration
	APIRetryCount   int
	StreamNamespace string
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration

	StaleTimeout       time.Duration
	FallSuppressWindow time.Duration
	TickInterval       time.Duration
	ChartCapacity      int
	ConfirmGForce      float64
	ZeroIsNoSignal     bool

	DBPath     string
	DBTimezone string

	HousekeepingInterval time.Duration
	SnapshotInterval     time.Duration

	RedisEnabled   bool
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	SnapshotPrefix string
	SnapshotTTL    time.Duration

	MQTTEnabled       bool
	MQTTBroker        string
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	MQTTVitalsTopic   string
	MQTTFallsTopic    string
	MQTTControlPrefix string

	KafkaEnabled  bool
	KafkaBrokers  string
	StreamTopic   string
	ConsumerGroup string

	HTTPAddr string

	ServiceName  string
	LogLevel     string
	LogFormat    string
	LogFile      string
	LogToConsole bool
}

func LoadConfig() *Config {
	err := godotenv.Load() // Looks for ".env" in the current directory
	if err != nil {
		log.Println("No .env file found, using environment variables or default values")
	}

	apiURL := strings.TrimRight(getEnv("API_URL", "http://localhost:3001"), "/")

	return &Config{
		APIURL:        apiURL,
		StreamURL:     strings.TrimRight(getEnv("STREAM_URL", apiURL), "/"),
		APIToken:      getEnv("API_TOKEN", ""),
		APIEmail:      getEnv("API_EMAIL", ""),
		APIPassword:   getEnv("API_PASSWORD", ""),
		WatchPatients: splitList(getEnv("WATCH_PATIENTS", "")),
		HistoryDays:   getInt("HISTORY_DAYS", 1),

		APITimeout:      getDuration("API_TIMEOUT", 15*time.Second),
		APIRetryCount:   getInt("API_RETRY_COUNT", 2),
		StreamNamespace: getEnv("STREAM_NAMESPACE", "/"),
		ReconnectMin:    getDuration("STREAM_RECONNECT_MIN", 500*time.Millisecond),
		ReconnectMax:    getDuration("STREAM_RECONNECT_MAX", 30*time.Second),

		StaleTimeout:       getDuration("STALE_TIMEOUT", 30*time.Second),
		FallSuppressWindow: getDuration("FALL_SUPPRESS_WINDOW", 3*time.Second),
		TickInterval:       getDuration("TICK_INTERVAL", time.Second),
		ChartCapacity:      getInt("CHART_CAPACITY", 30),
		ConfirmGForce:      getFloat("CONFIRM_G_FORCE", 3.0),
		ZeroIsNoSignal:     strings.EqualFold(getEnv("ZERO_IS_NO_SIGNAL", "true"), "true"),

		DBPath:     getEnv("DB_PATH", "monitor.db"),
		DBTimezone: getEnv("DB_TIMEZONE", "America/Sao_Paulo"),

		HousekeepingInterval: getDuration("HOUSEKEEPING_INTERVAL", time.Minute),
		SnapshotInterval:     getDuration("SNAPSHOT_INTERVAL", 2*time.Second),

		RedisEnabled:   strings.EqualFold(getEnv("REDIS_ENABLED", "false"), "true"),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getInt("REDIS_DB", 0),
		SnapshotPrefix: getEnv("SNAPSHOT_PREFIX", "vitals:patient:"),
		SnapshotTTL:    getDuration("SNAPSHOT_TTL", 60*time.Second),

		MQTTEnabled:       strings.EqualFold(getEnv("MQTT_ENABLED", "false"), "true"),
		MQTTBroker:        getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID:      getEnv("MQTT_CLIENT_ID", "vitals-monitor"),
		MQTTUsername:      getEnv("MQTT_USERNAME", ""),
		MQTTPassword:      getEnv("MQTT_PASSWORD", ""),
		MQTTVitalsTopic:   getEnv("MQTT_VITALS_TOPIC", "dados_vitais"),
		MQTTFallsTopic:    getEnv("MQTT_FALLS_TOPIC", "dados_quedas"),
		MQTTControlPrefix: getEnv("MQTT_CONTROL_PREFIX", "monitor"),

		KafkaEnabled:  strings.EqualFold(getEnv("KAFKA_ENABLED", "false"), "true"),
		KafkaBrokers:  getEnv("KAFKA_BROKERS", "localhost:9092"),
		StreamTopic:   getEnv("STREAM_TOPIC", "patient-stream-events"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "vitals_monitor"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8090"),

		ServiceName:  getEnv("SERVICE_NAME", "vitals-monitor"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		LogFile:      getEnv("LOG_FILE", "./logs/monitor.log"),
		LogToConsole: strings.EqualFold(getEnv("LOG_TO_CONSOLE", "true"), "true"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(getEnv(key, "")), 64)
	if err != nil {
		return fallback
	}
	return v
}

// getDuration accepts Go duration strings ("30s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	log.Printf("Invalid duration for %s: %q, using %s", key, raw, fallback)
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
