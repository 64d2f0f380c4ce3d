package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string   `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string   `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string   `envconfig:"DATABASE_PATH" default:"/app/data/shellbridge.db"`
	LogPath      string   `envconfig:"LOG_PATH" default:""`
	AuthToken    string   `envconfig:"AUTH_TOKEN" default:""`
	Origins      []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Session store settings
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"30m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	HistoryBytes  int           `envconfig:"HISTORY_BYTES" default:"1048576"`

	// Remote shell settings
	DialTimeout             time.Duration `envconfig:"DIAL_TIMEOUT" default:"15s"`
	TargetsFile             string        `envconfig:"TARGETS_FILE" default:""`
	RestoreRequirePrincipal bool          `envconfig:"RESTORE_REQUIRE_PRINCIPAL" default:"true"`
	KnownHostsFile          string        `envconfig:"KNOWN_HOSTS_FILE" default:""`

	// Audit trail settings
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"30"`
	AuditPruneSchedule string `envconfig:"AUDIT_PRUNE_SCHEDULE" default:"@every 6h"`
}

var Cfg Settings

// Process reads SHELLBRIDGE_* environment variables into a fresh Settings.
func Process() (Settings, error) {
	var s Settings
	err := envconfig.Process("SHELLBRIDGE", &s)
	return s, err
}

func Load() {
	s, err := Process()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}
