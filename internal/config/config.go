// Package config loads process-wide tunables and the static phone fleet
// description.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the process-wide tunables named in the data model: server
// listen settings, backing-store DSNs, and the UserConfig knobs that govern
// worker retry/ping/crash behavior.
type Config struct {
	// Admin HTTP surface
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	AdminToken   string        `envconfig:"ADMIN_TOKEN" required:"true"`

	// Backing stores
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" required:"true"`
	NATSURL     string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`

	// Fleet topology
	PhonesFile string `envconfig:"PHONES_FILE" default:"phones.json"`

	// UserConfig, §3
	DeviceManagerRetryLimit  int            `envconfig:"DEVICEMANAGER_RETRY_LIMIT" default:"8"`
	DeviceManagerSettlingTime time.Duration `envconfig:"DEVICEMANAGER_SETTLING_TIME"`
	PhoneRetryLimit          int            `envconfig:"PHONE_RETRY_LIMIT" default:"2"`
	PhoneRetryWait           time.Duration  `envconfig:"PHONE_RETRY_WAIT" default:"15s"`
	PhoneMaxReboots          int            `envconfig:"PHONE_MAX_REBOOTS" default:"3"`
	PhonePingInterval        time.Duration  `envconfig:"PHONE_PING_INTERVAL" default:"900s"`
	PhoneCommandQueueTimeout time.Duration  `envconfig:"PHONE_COMMAND_QUEUE_TIMEOUT" default:"10s"`
	PhoneCrashWindow         time.Duration  `envconfig:"PHONE_CRASH_WINDOW" default:"30s"`
	PhoneCrashLimit          int            `envconfig:"PHONE_CRASH_LIMIT" default:"5"`

	// Job store
	SQLRetryDelay time.Duration `envconfig:"SQL_RETRY_DELAY" default:"60s"`
	SQLMaxRetries int           `envconfig:"SQL_MAX_RETRIES" default:"10"`
	MaxAttempts   int           `envconfig:"MAX_ATTEMPTS" default:"3"`

	// Observability
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads Config from the environment, applying the defaults above.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// ABI identifies the instruction-set family a phone's build must match.
type ABI string

const (
	ABIx86        ABI = "x86"
	ABIArmeabiV6  ABI = "armeabi-v6"
	ABIArm        ABI = "arm" // generic ARM, neither x86 nor armeabi-v6
)

// PhoneConfig is the immutable per-device descriptor described in §3. It is
// supplied to the Supervisor as a fixed fleet roster; parsing the fleet
// topology file itself is deliberately simple (encoding/json) rather than
// a concern this core owns.
type PhoneConfig struct {
	PhoneID    string `json:"phone_id"`
	IP         string `json:"ip"`
	SUTCmdPort int    `json:"sut_cmd_port"`
	ABI        ABI    `json:"abi"`
	Model      string `json:"model"`
	OSVersion  string `json:"os_version"`
}

// LoadFleet reads the static phone roster from a JSON file: an array of
// PhoneConfig objects.
func LoadFleet(path string) ([]PhoneConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file %s: %w", path, err)
	}
	var phones []PhoneConfig
	if err := json.Unmarshal(data, &phones); err != nil {
		return nil, fmt.Errorf("failed to parse fleet file %s: %w", path, err)
	}
	return phones, nil
}
