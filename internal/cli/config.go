package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration
// Maps config file fields through YAML tags; zero values take the defaults
type Config struct {
	Download struct {
		BaseURL          string        `yaml:"base_url"`            // 金鑰伺服器根網址
		Path             string        `yaml:"path"`                // 索引所在目錄
		TempDir          string        `yaml:"temp_dir"`            // 下載暫存目錄
		Parallelism      int           `yaml:"parallelism"`         // 同批次並行下載數
		MaxFilesPerBatch int           `yaml:"max_files_per_batch"` // 0 表示單一批次
		SplitByRegion    bool          `yaml:"split_by_region"`     // 依 <region>/ 前綴分批
		Timeout          time.Duration `yaml:"timeout"`             // 單一請求逾時
	} `yaml:"download"`

	Engine struct {
		Mode               string `yaml:"mode"`                  // simulator | grpc
		Address            string `yaml:"address"`               // grpc 模式的引擎位址，也是 serve-engine 的監聽位址
		RequirePermission  bool   `yaml:"require_permission"`    // simulator: Start 需要使用者同意
		ProvideQuotaPerDay int    `yaml:"provide_quota_per_day"` // simulator: 每日提交上限
		WatchState         bool   `yaml:"watch_state"`           // run: 訂閱 state-updated 訊號觸發對帳
	} `yaml:"engine"`

	Store struct {
		Driver string `yaml:"driver"` // sqlite | file
		Path   string `yaml:"path"`
	} `yaml:"store"`

	ScanConfig struct {
		RemoteURL string `yaml:"remote_url"` // 空字串表示只用本地值
	} `yaml:"scan_config"`

	Schedule struct {
		Workers           int           `yaml:"workers"`
		DetectionInterval time.Duration `yaml:"detection_interval"`
		DetectionFlex     time.Duration `yaml:"detection_flex"`
		BaseBackoff       time.Duration `yaml:"base_backoff"`
		MaxBackoff        time.Duration `yaml:"max_backoff"`
		Retention         time.Duration `yaml:"retention"`      // 曝險紀錄保留期間
		PruneInterval     time.Duration `yaml:"prune_interval"` // 保留期清理週期
		RequireNetwork    bool          `yaml:"require_network"`
	} `yaml:"schedule"`

	Timeouts struct {
		IsEnabled   time.Duration `yaml:"is_enabled"`
		Submit      time.Duration `yaml:"submit"`
		Summaries   time.Duration `yaml:"summaries"`
		ConfigFetch time.Duration `yaml:"config_fetch"`
		DataMapping time.Duration `yaml:"data_mapping"`
	} `yaml:"timeouts"`

	Journal struct {
		Path    string `yaml:"path"`
		Sync    bool   `yaml:"sync"`     // 每次寫入都 fsync
		MaxSize int64  `yaml:"max_size"` // 超過後自動旋轉，0 表示不旋轉
	} `yaml:"journal"`

	Notify struct {
		WebhookURL     string        `yaml:"webhook_url"`
		WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	} `yaml:"notify"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	DebugAPI struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"debug_api"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// 引擎模式
const (
	EngineSimulator = "simulator"
	EngineGRPC      = "grpc"
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	d := &c.Download
	if d.BaseURL == "" {
		d.BaseURL = "http://localhost:8080"
	}
	if d.Path == "" {
		d.Path = "keys"
	}
	if d.Parallelism <= 0 {
		d.Parallelism = 4
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}

	if c.Engine.Mode == "" {
		c.Engine.Mode = EngineSimulator
	}
	if c.Engine.Address == "" {
		c.Engine.Address = "localhost:50061"
	}
	if c.Engine.ProvideQuotaPerDay <= 0 {
		c.Engine.ProvideQuotaPerDay = 6
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/state.db"
	}

	s := &c.Schedule
	if s.Workers <= 0 {
		s.Workers = 2
	}
	if s.DetectionInterval <= 0 {
		s.DetectionInterval = 12 * time.Hour
	}
	if s.DetectionFlex <= 0 {
		s.DetectionFlex = 3 * time.Hour
	}
	if s.BaseBackoff <= 0 {
		s.BaseBackoff = 30 * time.Second
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 5 * time.Hour
	}
	if s.Retention <= 0 {
		s.Retention = 14 * 24 * time.Hour
	}
	if s.PruneInterval <= 0 {
		s.PruneInterval = 24 * time.Hour
	}

	t := &c.Timeouts
	if t.IsEnabled <= 0 {
		t.IsEnabled = 10 * time.Second
	}
	if t.Submit <= 0 {
		t.Submit = 30 * time.Minute
	}
	if t.Summaries <= 0 {
		t.Summaries = 30 * time.Second
	}
	if t.ConfigFetch <= 0 {
		t.ConfigFetch = 30 * time.Second
	}
	if t.DataMapping <= 0 {
		t.DataMapping = 30 * time.Second
	}

	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.log"
	}
	if c.Notify.WebhookTimeout <= 0 {
		c.Notify.WebhookTimeout = 10 * time.Second
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.DebugAPI.Addr == "" {
		c.DebugAPI.Addr = "127.0.0.1:8081"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Download.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("download.base_url %q is not an absolute URL", c.Download.BaseURL))
	}
	if c.Download.MaxFilesPerBatch < 0 {
		errs = append(errs, errors.New("download.max_files_per_batch must not be negative"))
	}
	switch c.Engine.Mode {
	case EngineSimulator, EngineGRPC:
	default:
		errs = append(errs, fmt.Errorf("engine.mode %q must be %q or %q", c.Engine.Mode, EngineSimulator, EngineGRPC))
	}
	switch c.Store.Driver {
	case "sqlite", "file":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite or file", c.Store.Driver))
	}
	if c.Schedule.DetectionFlex > c.Schedule.DetectionInterval {
		errs = append(errs, errors.New("schedule.detection_flex must not exceed schedule.detection_interval"))
	}
	if c.Schedule.BaseBackoff > c.Schedule.MaxBackoff {
		errs = append(errs, errors.New("schedule.base_backoff must not exceed schedule.max_backoff"))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// loadConfig reads path, applies defaults and validates the result.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
