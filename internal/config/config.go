// Package config is the CLI/INI configuration surface (spec §6). Argument
// and INI parsing are explicitly an external collaborator (spec §1), so
// this package stays deliberately small: stdlib flag plus a minimal
// key=value defaults file, merged with CLI taking precedence.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/trivago/tgo/tmath"
)

// Config holds the merged settings described in spec §6.
type Config struct {
	Watch string
	Work  string
	Sent  string
	YPath string

	Interval float64

	XFile  string // "host:port" or a filesystem path
	TxRate int

	SrcID string
	SubID string

	RotatePeriodMinutes int // "rp": digits + m|h|d|w, 0 disables the rotator
	NextRotation        string // "nr": 10-digit YYMMDDHHMM, "" if unset

	DotDiv int
	TxtLen int

	ReportPath string

	LogLevel string
	Zone     string

	Heartbeat       bool // spec §4.6 step 1: "Omittable by configuration"
	ResetOnTruncate bool // spec §4.6 / §7 Truncation: "configurable policy"
}

// Defaults returns the built-in defaults, applied before the INI file and
// CLI flags override them.
func Defaults() Config {
	return Config{
		Watch:           "/var/log/nginx",
		Work:            "/var/log/nginx/work",
		Sent:            "/var/log/nginx/sent",
		Interval:        6.0,
		XFile:           "/var/log/nginx/nlship.out",
		SrcID:           "nx01",
		SubID:           "____",
		LogLevel:        "info",
		Heartbeat:       true,
		ResetOnTruncate: false,
	}
}

// Load merges Defaults(), then the optional INI file at iniPath (if
// non-empty and present), then CLI flags parsed from args.
func Load(args []string, iniPath string) (Config, error) {
	cfg := Defaults()

	if iniPath != "" {
		if err := applyINI(&cfg, iniPath); err != nil {
			return Config{}, err
		}
	}

	fs := flag.NewFlagSet("nlship", flag.ContinueOnError)
	watch := fs.String("watch", cfg.Watch, "directory the producer writes access/error logs into")
	work := fs.String("work", cfg.Work, "directory for files moved out of watch for processing")
	sent := fs.String("sent", cfg.Sent, "terminal directory for fully shipped files")
	ypath := fs.String("ypath", cfg.YPath, "directory path, stored in the config only; rotation state and the ForceRoll sentinel are kept in -watch")
	interval := fs.Float64("interval", cfg.Interval, "seconds between watcher cycles")
	xfile := fs.String("xfile", cfg.XFile, "host:port for TCP transport, or a file path for the file sink")
	txrate := fs.Int("txrate", cfg.TxRate, "max frames/sec (0 = unlimited)")
	srcid := fs.String("srcid", cfg.SrcID, "4-char source id embedded in every record")
	subid := fs.String("subid", cfg.SubID, "4-char sub id embedded in every record")
	rp := fs.String("rp", "", "rotation period: digits + m|h|d|w; absent disables the rotator")
	nr := fs.String("nr", cfg.NextRotation, "next rotation wall time as 10 digits YYMMDDHHMM")
	dotdiv := fs.Int("dotdiv", cfg.DotDiv, "screen dot divisor, stored in the config only; no screen output is written")
	txtlen := fs.Int("txtlen", cfg.TxtLen, "screen text length, stored in the config only; no screen output is written")
	rpt := fs.String("rpt", cfg.ReportPath, "optional path for an operator-visible report file")
	loglevel := fs.String("loglevel", cfg.LogLevel, "logrus level: debug, info, warn, error")
	zone := fs.String("zone", cfg.Zone, "IANA zone name for error-log local timestamps; empty means process local zone")
	heartbeat := fs.Bool("heartbeat", cfg.Heartbeat, "emit a periodic ae='h' heartbeat record")
	resetOnTruncate := fs.Bool("reset-on-truncate", cfg.ResetOnTruncate, "on a live file shrinking, reset progress to 0 instead of failing the cycle")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Watch, cfg.Work, cfg.Sent, cfg.YPath = *watch, *work, *sent, *ypath
	cfg.Interval = *interval
	cfg.XFile = *xfile
	cfg.TxRate = tmath.MaxI(*txrate, 0)
	cfg.SrcID, cfg.SubID = *srcid, *subid
	cfg.NextRotation = *nr
	cfg.DotDiv, cfg.TxtLen = *dotdiv, *txtlen
	cfg.ReportPath = *rpt
	cfg.LogLevel = *loglevel
	cfg.Zone = *zone
	cfg.Heartbeat = *heartbeat
	cfg.ResetOnTruncate = *resetOnTruncate

	if *rp != "" {
		minutes, err := parseRotationPeriod(*rp)
		if err != nil {
			return Config{}, err
		}
		cfg.RotatePeriodMinutes = minutes
	}

	return cfg, nil
}

// parseRotationPeriod parses "rp" (spec §6): digit(s) followed by one of
// m|h|d|w, into a minute count.
func parseRotationPeriod(s string) (int, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("rp: %q too short", s)
	}
	suffix := s[len(s)-1]
	digits := s[:len(s)-1]
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("rp: bad digits in %q: %w", s, err)
	}
	switch suffix {
	case 'm':
		return n, nil
	case 'h':
		return n * 60, nil
	case 'd':
		return n * 60 * 24, nil
	case 'w':
		return n * 60 * 24 * 7, nil
	default:
		return 0, fmt.Errorf("rp: unknown suffix %q in %q", suffix, s)
	}
}

// IsTCPTarget reports whether xfile parses as "host:port" (IPv4 quad plus
// port, spec §6); otherwise it is treated as a file sink path.
func IsTCPTarget(xfile string) bool {
	idx := strings.LastIndex(xfile, ":")
	if idx < 0 {
		return false
	}
	host, port := xfile[:idx], xfile[idx+1:]
	if _, err := strconv.Atoi(port); err != nil {
		return false
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

// applyINI merges a minimal INI-style (section-less, key=value per line,
// '#' or ';' comments) defaults file into cfg. This is the "ypath"-style
// external collaborator spec §1 calls out; kept intentionally small.
func applyINI(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue // section headers are accepted but ignored
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		applyINIKey(cfg, key, val)
	}
	return scanner.Err()
}

func applyINIKey(cfg *Config, key, val string) {
	switch strings.ToLower(key) {
	case "watch":
		cfg.Watch = val
	case "work":
		cfg.Work = val
	case "sent":
		cfg.Sent = val
	case "ypath":
		cfg.YPath = val
	case "interval":
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Interval = f
		}
	case "xfile":
		cfg.XFile = val
	case "txrate":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.TxRate = n
		}
	case "srcid":
		cfg.SrcID = val
	case "subid":
		cfg.SubID = val
	case "rp":
		if minutes, err := parseRotationPeriod(val); err == nil {
			cfg.RotatePeriodMinutes = minutes
		}
	case "nr":
		cfg.NextRotation = val
	case "dotdiv":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.DotDiv = n
		}
	case "txtlen":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.TxtLen = n
		}
	case "rpt":
		cfg.ReportPath = val
	case "loglevel":
		cfg.LogLevel = val
	case "zone":
		cfg.Zone = val
	case "heartbeat":
		cfg.Heartbeat = parseBool(val, cfg.Heartbeat)
	case "reset_on_truncate", "resetontruncate":
		cfg.ResetOnTruncate = parseBool(val, cfg.ResetOnTruncate)
	}
}

func parseBool(val string, fallback bool) bool {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
