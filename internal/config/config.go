package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StoreDriverSQLite = "sqlite"
	StoreDriverMySQL  = "mysql"
	StoreDriverBadger = "badger"
)

type Config struct {
	RPCURL       string
	ChainID      uint64
	RPCTimeout   time.Duration
	RPCRateLimit float64

	StoreDriver string
	DBPath      string
	DBDSN       string
	BadgerDir   string
	RedisAddr   string
	CacheTTL    time.Duration

	HTTPAddr     string
	ExplorerURL  string
	APIRateLimit float64

	OtelEndpoint string
	KafkaBrokers []string
	KafkaTopic   string

	ClassifierMode string
	TrackedToken   string
	AssetDecimals  int32
	MinValue       decimal.Decimal
	WatchAddresses []string
	CheckReceipts  bool

	StartBlock       *uint64
	Confirmations    uint64
	BatchSize        uint64
	PollInterval     time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	ScannerAutostart bool

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}

	rpcURL, ok := source.Lookup("RPC_URL")
	if !ok || strings.TrimSpace(rpcURL) == "" {
		return Config{}, errors.New("RPC_URL is required")
	}

	chainID, err := parseUintEnv(source, "CHAIN_ID", 0)
	if err != nil {
		return Config{}, err
	}
	rpcTimeout, err := parseDurationEnv(source, "RPC_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	rpcRateLimit, err := parseFloatEnv(source, "RPC_RATE_LIMIT", 0)
	if err != nil {
		return Config{}, err
	}

	storeDriver := strings.ToLower(stringEnv(source, "STORE_DRIVER", StoreDriverSQLite))
	dbDSN := stringEnv(source, "DB_DSN", "")
	switch storeDriver {
	case StoreDriverSQLite, StoreDriverBadger:
	case StoreDriverMySQL:
		if dbDSN == "" {
			return Config{}, errors.New("DB_DSN is required for the mysql store")
		}
	default:
		return Config{}, fmt.Errorf("invalid STORE_DRIVER: %q", storeDriver)
	}
	cacheTTL, err := parseDurationEnv(source, "CACHE_TTL", time.Hour)
	if err != nil {
		return Config{}, err
	}

	apiRateLimit, err := parseFloatEnv(source, "API_RATE_LIMIT", 0)
	if err != nil {
		return Config{}, err
	}

	kafkaBrokers := parseList(source, "KAFKA_BROKERS")

	classifierMode := strings.ToLower(stringEnv(source, "CLASSIFIER_MODE", "native"))
	trackedToken := stringEnv(source, "TRACKED_TOKEN", "")
	if classifierMode == "erc20" && trackedToken == "" {
		return Config{}, errors.New("TRACKED_TOKEN is required in erc20 mode")
	}
	decimals, err := parseUintEnv(source, "ASSET_DECIMALS", 18)
	if err != nil {
		return Config{}, err
	}
	if decimals > 36 {
		return Config{}, fmt.Errorf("invalid ASSET_DECIMALS: %d", decimals)
	}
	minValue := decimal.Zero
	if raw := stringEnv(source, "MIN_VALUE", ""); raw != "" {
		minValue, err = decimal.NewFromString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MIN_VALUE: %w", err)
		}
		if minValue.IsNegative() {
			return Config{}, errors.New("invalid MIN_VALUE: must not be negative")
		}
	}
	checkReceipts, err := parseBoolEnv(source, "CHECK_RECEIPTS", true)
	if err != nil {
		return Config{}, err
	}

	var startBlock *uint64
	if stringEnv(source, "START_BLOCK", "") != "" {
		value, err := parseUintEnv(source, "START_BLOCK", 0)
		if err != nil {
			return Config{}, err
		}
		startBlock = &value
	}
	confirmations, err := parseUintEnv(source, "CONFIRMATIONS", 12)
	if err != nil {
		return Config{}, err
	}
	batchSize, err := parseUintEnv(source, "BATCH_SIZE", 10)
	if err != nil {
		return Config{}, err
	}
	if batchSize == 0 {
		return Config{}, errors.New("invalid BATCH_SIZE: must be positive")
	}
	pollInterval, err := parseDurationEnv(source, "POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	backoffInitial, err := parseDurationEnv(source, "BACKOFF_INITIAL", time.Second)
	if err != nil {
		return Config{}, err
	}
	backoffMax, err := parseDurationEnv(source, "BACKOFF_MAX", time.Minute)
	if err != nil {
		return Config{}, err
	}
	if backoffMax < backoffInitial {
		return Config{}, errors.New("BACKOFF_MAX must not be below BACKOFF_INITIAL")
	}
	autostart, err := parseBoolEnv(source, "SCANNER_AUTOSTART", false)
	if err != nil {
		return Config{}, err
	}

	logMaxSize, err := parseUintEnv(source, "LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := parseUintEnv(source, "LOG_MAX_BACKUPS", 3)
	if err != nil {
		return Config{}, err
	}

	return Config{
		RPCURL:           strings.TrimSpace(rpcURL),
		ChainID:          chainID,
		RPCTimeout:       rpcTimeout,
		RPCRateLimit:     rpcRateLimit,
		StoreDriver:      storeDriver,
		DBPath:           stringEnv(source, "DB_PATH", "txscan.db"),
		DBDSN:            dbDSN,
		BadgerDir:        stringEnv(source, "BADGER_DIR", "data/badger"),
		RedisAddr:        stringEnv(source, "REDIS_ADDR", ""),
		CacheTTL:         cacheTTL,
		HTTPAddr:         stringEnv(source, "HTTP_ADDR", ":8080"),
		ExplorerURL:      strings.TrimRight(stringEnv(source, "EXPLORER_URL", "https://etherscan.io"), "/"),
		APIRateLimit:     apiRateLimit,
		OtelEndpoint:     stringEnv(source, "OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		KafkaBrokers:     kafkaBrokers,
		KafkaTopic:       stringEnv(source, "KAFKA_TOPIC", "txscan-transactions"),
		ClassifierMode:   classifierMode,
		TrackedToken:     trackedToken,
		AssetDecimals:    int32(decimals),
		MinValue:         minValue,
		WatchAddresses:   parseList(source, "WATCH_ADDRESSES"),
		CheckReceipts:    checkReceipts,
		StartBlock:       startBlock,
		Confirmations:    confirmations,
		BatchSize:        batchSize,
		PollInterval:     pollInterval,
		BackoffInitial:   backoffInitial,
		BackoffMax:       backoffMax,
		ScannerAutostart: autostart,
		LogLevel:         stringEnv(source, "LOG_LEVEL", "info"),
		LogFormat:        stringEnv(source, "LOG_FORMAT", "text"),
		LogFile:          stringEnv(source, "LOG_FILE", ""),
		LogMaxSizeMB:     int(logMaxSize),
		LogMaxBackups:    int(logMaxBackups),
	}, nil
}

func stringEnv(source EnvSource, key, defaultValue string) string {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue
	}
	return strings.TrimSpace(raw)
}

func parseUintEnv(source EnvSource, key string, defaultValue uint64) (uint64, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseFloatEnv(source EnvSource, key string, defaultValue float64) (float64, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return value, nil
}

func parseBoolEnv(source EnvSource, key string, defaultValue bool) (bool, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseDurationEnv(source EnvSource, key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return duration, nil
}

func parseList(source EnvSource, key string) []string {
	raw, ok := source.Lookup(key)
	if !ok {
		return nil
	}
	var values []string
	for _, item := range strings.Split(raw, ",") {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	return values
}
