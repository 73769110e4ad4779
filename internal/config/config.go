// Package config loads groundcontrold's configuration from flag.*
// variables parsed at startup: transport choice, device identity, and
// the retransmission/chunk-pacing knobs the wire layer needs.
package config

import (
	"flag"
	"fmt"
	"time"
)

// TransportKind selects which internal/transport implementation
// groundcontrold dials.
type TransportKind string

const (
	TransportSerial TransportKind = "serial"
	TransportUDP    TransportKind = "udp"
)

// Config holds every flag-derived setting groundcontrold needs to start.
type Config struct {
	Transport TransportKind
	Serial    string
	Baud      int
	UDPAddr   string

	DeviceID uint64

	RedisAddr string
	RedisPass string
	RedisDB   int
	RedisHash string

	RetransmitInterval time.Duration
	MaxRetries         int
	ChunkRequestDelay  time.Duration

	SidecarPath string
	MetricsAddr string

	Verbose bool
}

// Load parses flags from args (typically os.Args[1:]) into a Config,
// defaulting to the onboard serial device and a local Redis instance.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("groundcontrold", flag.ContinueOnError)

	transport := fs.String("transport", string(TransportSerial), "transport kind: serial or udp")
	serialDevice := fs.String("serial", "/dev/ttymxc1", "serial device path")
	baud := fs.Int("baud", 115200, "serial baud rate")
	udpAddr := fs.String("udp-addr", "", "UDP peer address (host:port), used when -transport=udp")

	deviceID := fs.Uint64("device-id", 1, "peer device's protocol device id, stamped on outbound packets and required on inbound ones")

	redisAddr := fs.String("redis-addr", "localhost:6379", "redis server address")
	redisPass := fs.String("redis-pass", "", "redis password")
	redisDB := fs.Int("redis-db", 0, "redis database number")
	redisHash := fs.String("redis-hash", "groundcontrol:values", "redis hash key for the telemetry value cache")

	retransmitInterval := fs.Duration("retransmit-interval", 500*time.Millisecond, "reliable stream retransmission interval")
	maxRetries := fs.Int("max-retries", 10, "reliable stream retransmission budget before a fatal error is reported")
	chunkDelay := fs.Duration("chunk-request-delay", 500*time.Millisecond, "firmware chunk/hash/start request retry interval; stored in Config but not applied: pkg/fwt retries on a fixed 500ms interval")

	sidecarPath := fs.String("sidecar-path", "/var/lib/groundcontrol/fwt-session.cbor", "path to the firmware-transfer session sidecar")
	metricsAddr := fs.String("metrics-addr", ":9100", "address the Prometheus /metrics endpoint listens on")

	verbose := fs.Bool("verbose", false, "enable verbose packet logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Transport:          TransportKind(*transport),
		Serial:             *serialDevice,
		Baud:               *baud,
		UDPAddr:            *udpAddr,
		DeviceID:           *deviceID,
		RedisAddr:          *redisAddr,
		RedisPass:          *redisPass,
		RedisDB:            *redisDB,
		RedisHash:          *redisHash,
		RetransmitInterval: *retransmitInterval,
		MaxRetries:         *maxRetries,
		ChunkRequestDelay:  *chunkDelay,
		SidecarPath:        *sidecarPath,
		MetricsAddr:        *metricsAddr,
		Verbose:            *verbose,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Transport {
	case TransportSerial:
		if c.Serial == "" {
			return fmt.Errorf("config: -serial is required for -transport=serial")
		}
	case TransportUDP:
		if c.UDPAddr == "" {
			return fmt.Errorf("config: -udp-addr is required for -transport=udp")
		}
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: -max-retries must be at least 1")
	}
	return nil
}
