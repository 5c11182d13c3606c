package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the signaling server configuration
type Config struct {
	// SIP settings
	Port          int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers
	ContactUser   string // User part of the server Contact URI
	LogLevel      string

	// Media settings
	RTPPortMin int
	RTPPortMax int

	// Call behavior
	NoAnswerTimeout time.Duration // Ring time before the agent takes over
	MaxCallDuration time.Duration // Hard ceiling on established calls

	// Registration
	RegistrarMinExpires     int
	RegistrarDefaultExpires int
	RegistrarMaxExpires     int

	// Transfer
	TransferRingTimeout time.Duration

	// Outbound dialing
	OutboundMaxConcurrent int
	OutboundRingTimeout   time.Duration
	OutboundMaxDuration   time.Duration
	OutboundMaxAttempts   int
	OutboundRetryDelay    time.Duration

	// CDR
	CDRPath string

	// Metrics
	MetricsAddr string
}

// Load loads configuration from a .env file (when present), command
// line flags, and environment variable overrides, in that order of
// increasing precedence.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.ContactUser, "contact-user", "voicegate", "User part of the server Contact URI")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.RTPPortMin, "rtp-min", 10000, "Lowest RTP port")
	flag.IntVar(&cfg.RTPPortMax, "rtp-max", 20000, "Highest RTP port")
	flag.DurationVar(&cfg.NoAnswerTimeout, "no-answer-timeout", 30*time.Second, "Ring time before the assistant answers")
	flag.DurationVar(&cfg.MaxCallDuration, "max-call-duration", 4*time.Hour, "Hard limit on call duration")
	flag.IntVar(&cfg.RegistrarMinExpires, "reg-min-expires", 60, "Minimum registration expiry in seconds")
	flag.IntVar(&cfg.RegistrarDefaultExpires, "reg-default-expires", 3600, "Default registration expiry in seconds")
	flag.IntVar(&cfg.RegistrarMaxExpires, "reg-max-expires", 7200, "Maximum registration expiry in seconds")
	flag.DurationVar(&cfg.TransferRingTimeout, "transfer-ring-timeout", 30*time.Second, "Ring time before a transfer target is given up on")
	flag.IntVar(&cfg.OutboundMaxConcurrent, "outbound-max-concurrent", 5, "Concurrent outbound call ceiling")
	flag.DurationVar(&cfg.OutboundRingTimeout, "outbound-ring-timeout", 30*time.Second, "Ring time before an outbound attempt counts as no answer")
	flag.DurationVar(&cfg.OutboundMaxDuration, "outbound-max-duration", 10*time.Minute, "Hard limit on outbound call duration")
	flag.IntVar(&cfg.OutboundMaxAttempts, "outbound-max-attempts", 3, "Dial attempts per outbound call")
	flag.DurationVar(&cfg.OutboundRetryDelay, "outbound-retry-delay", time.Minute, "Delay between outbound dial attempts")
	flag.StringVar(&cfg.CDRPath, "cdr", "cdr", "Call detail record directory (JSON lines, one file per day)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9090", "Prometheus metrics listen address (empty to disable)")

	flag.Parse()

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if v := os.Getenv("RTP_PORT_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMin = n
		}
	}
	if v := os.Getenv("RTP_PORT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMax = n
		}
	}
	if v := os.Getenv("NO_ANSWER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NoAnswerTimeout = d
		}
	}
	if v := os.Getenv("CDR_PATH"); v != "" {
		cfg.CDRPath = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	// Check if it's a valid IP address
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	// Try to resolve as hostname
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
