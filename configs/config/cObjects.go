package config

import (
	"fmt"
	"time"

	"github.com/dasiyes/ivmgate/internal/throttle"
)

type ServiceConfig struct {
	Name                string        `yaml:"name"`
	ProjectID           string        `yaml:"project_id"`
	Port                string        `yaml:"port"`
	WsioopTimeOut       time.Duration `yaml:"ws_io_operation_timeout"`
	ReadLimit           int64         `yaml:"read_limit"`
	MaxInflightPerConn  int           `yaml:"max_inflight_per_conn"`
	AcceptRate          float64       `yaml:"accept_rate"`
	AcceptBurst         int           `yaml:"accept_burst"`
	ParkedIPCache       int           `yaml:"parked_ip_cache"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	CloudLoggingEnabled bool          `yaml:"cloud_logging_enabled"`
	TrustedOrigins      []string      `yaml:"trusted_origins"`
	TrustedProxies      []string      `yaml:"trusted_proxies"`
	ClientIPHeader      string        `yaml:"client_ip_header"`
	Storage             *storage      `yaml:"storage"`
	Throttle            *throttleCfg  `yaml:"throttle"`
}

type storage struct {
	Driver          string        `yaml:"driver"`
	ProjectID       string        `yaml:"project_id"`
	CredentialsFile string        `yaml:"credentials_file"`
	IPCollection    string        `yaml:"ip_collection"`
	PathCollection  string        `yaml:"path_collection"`
	SqlitePath      string        `yaml:"sqlite_path"`
	OpTimeout       time.Duration `yaml:"op_timeout"`
}

type threshold struct {
	Amount uint64        `yaml:"amount"`
	Window time.Duration `yaml:"window"`
}

type throttleCfg struct {
	MaxConsPerIP   uint64               `yaml:"max_cons_per_ip"`
	ConOverflow    threshold            `yaml:"con_overflow"`
	ConOverflowBan time.Duration        `yaml:"con_overflow_ban"`
	Churn          threshold            `yaml:"churn"`
	ChurnBan       time.Duration        `yaml:"churn_ban"`
	Paths          map[string]threshold `yaml:"paths"`
	Fallback       threshold            `yaml:"fallback"`
	ReqBan         threshold            `yaml:"req_ban"`
	ReqBanDuration time.Duration        `yaml:"req_ban_duration"`
}

func (t threshold) value() throttle.Threshold {
	return throttle.NewThreshold(t.Amount, t.Window)
}

func (t threshold) validate(name string) error {
	if t.Amount == 0 {
		return fmt.Errorf("throttle.%s: amount must be positive", name)
	}
	if t.Window <= 0 {
		return fmt.Errorf("throttle.%s: window must be positive", name)
	}
	return nil
}

// Default returns the configuration LoadConfig starts from.
func Default() *ServiceConfig {
	return &ServiceConfig{
		Name:               "ivmgate",
		Port:               "8080",
		WsioopTimeOut:      10 * time.Second,
		ReadLimit:          16384,
		MaxInflightPerConn: 16,
		AcceptRate:         200,
		AcceptBurst:        400,
		ParkedIPCache:      4096,
		MonitorInterval:    30 * time.Second,
		ShutdownGrace:      10 * time.Second,
		Storage: &storage{
			Driver:         "memory",
			IPCollection:   "ws_ip_records",
			PathCollection: "ws_ip_path_stats",
			SqlitePath:     "ivmgate.db",
			OpTimeout:      5 * time.Second,
		},
		Throttle: &throttleCfg{
			MaxConsPerIP:   5,
			ConOverflow:    threshold{Amount: 10, Window: time.Minute},
			ConOverflowBan: 5 * time.Minute,
			Churn:          threshold{Amount: 10, Window: time.Minute},
			ChurnBan:       5 * time.Minute,
			Paths: map[string]threshold{
				"live_stats": {Amount: 5, Window: time.Minute},
				"ip_stats":   {Amount: 10, Window: time.Minute},
				"ping":       {Amount: 60, Window: time.Minute},
			},
			Fallback:       threshold{Amount: 20, Window: time.Minute},
			ReqBan:         threshold{Amount: 10, Window: time.Minute},
			ReqBanDuration: 10 * time.Minute,
		},
	}
}

// Validate rejects settings the gateway cannot run with.
func (s *ServiceConfig) Validate() error {
	if s.Storage == nil || s.Throttle == nil {
		return fmt.Errorf("storage and throttle sections are required")
	}
	switch s.Storage.Driver {
	case "firestore":
		if s.GetProjectID() == "" {
			return fmt.Errorf("storage.project_id is required by the firestore driver")
		}
	case "sqlite":
		if s.Storage.SqlitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required by the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", s.Storage.Driver)
	}

	t := s.Throttle
	if t.MaxConsPerIP == 0 {
		return fmt.Errorf("throttle.max_cons_per_ip must be positive")
	}
	if err := t.ConOverflow.validate("con_overflow"); err != nil {
		return err
	}
	if err := t.Churn.validate("churn"); err != nil {
		return err
	}
	if err := t.Fallback.validate("fallback"); err != nil {
		return err
	}
	if err := t.ReqBan.validate("req_ban"); err != nil {
		return err
	}
	for p, th := range t.Paths {
		if err := th.validate("paths." + p); err != nil {
			return err
		}
	}
	if t.ConOverflowBan <= 0 || t.ChurnBan <= 0 || t.ReqBanDuration <= 0 {
		return fmt.Errorf("throttle ban durations must be positive")
	}
	if s.MaxInflightPerConn < 1 {
		return fmt.Errorf("max_inflight_per_conn must be positive")
	}
	return nil
}

// GetProjectID returns the storage project, falling back to the service one.
func (s *ServiceConfig) GetProjectID() string {
	if s.Storage != nil && s.Storage.ProjectID != "" {
		return s.Storage.ProjectID
	}
	return s.ProjectID
}

func (s *ServiceConfig) GetStorageDriver() string {
	return s.Storage.Driver
}

func (s *ServiceConfig) GetCredentialsFile() string {
	return s.Storage.CredentialsFile
}

func (s *ServiceConfig) GetIPCollectionName() string {
	return s.Storage.IPCollection
}

func (s *ServiceConfig) GetPathCollectionName() string {
	return s.Storage.PathCollection
}

func (s *ServiceConfig) GetSqlitePath() string {
	return s.Storage.SqlitePath
}

// GetStorageTimeout bounds every single repository call.
func (s *ServiceConfig) GetStorageTimeout() time.Duration {
	if s.Storage.OpTimeout <= 0 {
		return 5 * time.Second
	}
	return s.Storage.OpTimeout
}

func (s *ServiceConfig) GetTrustedOrigins() []string {
	return s.TrustedOrigins
}

// GetConnLimits returns the per IP connection admission settings.
func (s *ServiceConfig) GetConnLimits() throttle.ConnLimits {
	t := s.Throttle
	return throttle.ConnLimits{
		MaxCons: t.MaxConsPerIP,
		Overflow: throttle.Policy{
			Threshold:   t.ConOverflow.value(),
			BanDuration: t.ConOverflowBan,
			BanReason:   throttle.ReasonTooManyReconnections,
		},
		Churn: throttle.Policy{
			Threshold:   t.Churn.value(),
			BanDuration: t.ChurnBan,
			BanReason:   throttle.ReasonConFlickerDetected,
		},
	}
}

// GetPathThreshold returns the block threshold of a request path, or the
// fallback when the path is not configured.
func (s *ServiceConfig) GetPathThreshold(path string) throttle.Threshold {
	if th, ok := s.Throttle.Paths[path]; ok {
		return th.value()
	}
	return s.Throttle.Fallback.value()
}

// GetReqBanPolicy is shared by every request path.
func (s *ServiceConfig) GetReqBanPolicy() throttle.Policy {
	return throttle.Policy{
		Threshold:   s.Throttle.ReqBan.value(),
		BanDuration: s.Throttle.ReqBanDuration,
		BanReason:   throttle.ReasonRouteBruteForceDetected,
	}
}
