package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Database     DatabaseConfig
	GTFSStatic   GTFSStaticConfig
	GTFSRealtime GTFSRealtimeConfig
	Collector    CollectorConfig
	Aggregate    AggregateConfig
	Logging      LoggingConfig
	Metrics      MetricsConfig
	API          APIConfig
	Location     *time.Location `validate:"required"`
}

// DatabaseConfig is optional: when neither URL nor DBName is set the Postgres mirror is disabled.
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Table    string `validate:"required"`

	Retention       time.Duration `validate:"gte=0"` // 0 keeps mirrored rows forever
	CleanupInterval time.Duration `validate:"gt=0"`
}

// GTFSStaticConfig locates the static schedule loaded once at startup
// URL is optional; when set the archive is refreshed into Dir before loading.
type GTFSStaticConfig struct {
	Dir string `validate:"required"`
	URL string `validate:"omitempty,url"`
}

// GTFSRealtimeConfig holds the two feed endpoints polled every cycle
type GTFSRealtimeConfig struct {
	TripUpdatesURL      string        `validate:"required,url"`
	VehiclePositionsURL string        `validate:"required,url"`
	APIKey              string
	APIKeyHeader        string
	Timeout             time.Duration `validate:"gt=0"`
}

type CollectorConfig struct {
	Interval   time.Duration `validate:"gt=0"`
	Duration   time.Duration `validate:"gte=0"` // 0 runs until interrupted
	OutputCSV  string        `validate:"required"`
	DiscordURL string        `validate:"omitempty,url"`
}

// AggregateConfig bounds the GPS plausibility filter applied when cleaning the log.
type AggregateConfig struct {
	InputCSV string `validate:"required"`
	MinLat   float64
	MaxLat   float64 `validate:"gtfield=MinLat"`
	MinLon   float64
	MaxLon   float64 `validate:"gtfield=MinLon"`
}

type LoggingConfig struct {
	Level    string
	FilePath string
}

type MetricsConfig struct {
	Addr string // empty disables the /metrics server
}

type APIConfig struct {
	Addr string `validate:"required"`
}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	loc := time.Local
	if tz := getEnv("TZ", ""); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ %q: %w", tz, err)
		}
		loc = l
	}

	minLat, maxLat, minLon, maxLon, err := parseBounds(getEnv("GEO_BOUNDS", "43.6,43.8,7.0,7.5"))
	if err != nil {
		return nil, err
	}

	outputCSV := getEnv("OUTPUT_CSV", "data/transit_delays.csv")

	cfg := &Config{
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", ""),
			Table:    getEnv("DB_TABLE", "delay_observations"),

			Retention:       getDurationEnv("DB_RETENTION", 0),
			CleanupInterval: getDurationEnv("DB_CLEANUP_INTERVAL", 24*time.Hour),
		},
		GTFSStatic: GTFSStaticConfig{
			Dir: getEnv("GTFS_STATIC_DIR", "data/gtfs"),
			URL: getEnv("GTFS_STATIC_URL", ""),
		},
		GTFSRealtime: GTFSRealtimeConfig{
			TripUpdatesURL:      getEnv("GTFS_RT_TRIP_UPDATES_URL", "https://ara-api.enroute.mobi/rla/gtfs/trip-updates"),
			VehiclePositionsURL: getEnv("GTFS_RT_VEHICLE_POSITIONS_URL", "https://ara-api.enroute.mobi/rla/gtfs/vehicle-positions"),
			APIKey:              getEnv("GTFS_RT_API_KEY", ""),
			APIKeyHeader:        getEnv("GTFS_RT_API_KEY_HEADER", "Ocp-Apim-Subscription-Key"),
			Timeout:             getDurationEnv("GTFS_RT_TIMEOUT", 10*time.Second),
		},
		Collector: CollectorConfig{
			Interval:   getDurationEnv("COLLECTION_INTERVAL", 60*time.Second),
			Duration:   getDurationEnv("COLLECTION_DURATION", 0),
			OutputCSV:  outputCSV,
			DiscordURL: getEnv("DISCORD_WEBHOOK_URL", ""),
		},
		Aggregate: AggregateConfig{
			InputCSV: getEnv("INPUT_CSV", outputCSV),
			MinLat:   minLat,
			MaxLat:   maxLat,
			MinLon:   minLon,
			MaxLon:   maxLon,
		},
		Logging: LoggingConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			FilePath: getEnv("LOG_FILE", "data/collector.log"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ""),
		},
		API: APIConfig{
			Addr: getEnv("API_ADDR", ":8050"),
		},
		Location: loc,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags on every section.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Enabled reports whether a Postgres mirror has been configured
func (c *DatabaseConfig) Enabled() bool {
	return c.URL != "" || c.DBName != ""
}

func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

// parseBounds reads "minLat,maxLat,minLon,maxLon".
func parseBounds(s string) (float64, float64, float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("invalid GEO_BOUNDS %q: want minLat,maxLat,minLon,maxLon", s)
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("invalid GEO_BOUNDS %q: %w", s, err)
		}
		vals[i] = f
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
