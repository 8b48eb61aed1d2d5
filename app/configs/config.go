package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Storage     StorageConfig     `json:"storage"`
	Attachments AttachmentsConfig `json:"attachments"`
	Weeek       WeeekConfig       `json:"weeek"`
}

type TelegramConfig struct {
	BotToken        string `json:"bot_token"`
	APIRoot         string `json:"api_root"`
	PollIntervalSec int    `json:"poll_interval_sec"`
	TimeoutSec      int    `json:"timeout_sec"`
	AdminChatID     string `json:"admin_chat_id"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
	LogDir  string `json:"log_dir"`
}

type AttachmentsConfig struct {
	AllowListPath string `json:"allow_list_path"`
}

type WeeekConfig struct {
	BaseURL     string `json:"base_url"`
	APIToken    string `json:"api_token"`
	ProjectName string `json:"project_name"`
	BoardName   string `json:"board_name"`
	ColumnName  string `json:"column_name"`
	// ProjectID and BoardID are filled in after startup provisioning so the
	// operator can see what was resolved; the running process uses the
	// provisioning context, not these fields.
	ProjectID int64 `json:"project_id"`
	BoardID   int64 `json:"board_id"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	return Config{
		Telegram: TelegramConfig{
			APIRoot:         "https://api.telegram.org",
			PollIntervalSec: 2,
			TimeoutSec:      20,
		},
		Storage: StorageConfig{
			DataDir: "data",
			LogDir:  "logs",
		},
		Attachments: AttachmentsConfig{
			AllowListPath: filepath.Join("config", "extensions.txt"),
		},
		Weeek: WeeekConfig{
			BaseURL:     "https://api.weeek.net/public/v1",
			ProjectName: "Tasks. Backlog",
			BoardName:   "Backlog",
			ColumnName:  "Backlog. DO NOT MOVE",
		},
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Telegram.APIRoot) == "" {
		cfg.Telegram.APIRoot = "https://api.telegram.org"
	}
	if cfg.Telegram.PollIntervalSec <= 0 {
		cfg.Telegram.PollIntervalSec = 2
	}
	if cfg.Telegram.TimeoutSec <= 0 {
		cfg.Telegram.TimeoutSec = 20
	}
	if strings.TrimSpace(cfg.Storage.DataDir) == "" {
		cfg.Storage.DataDir = "data"
	}
	if strings.TrimSpace(cfg.Storage.LogDir) == "" {
		cfg.Storage.LogDir = "logs"
	}
	if strings.TrimSpace(cfg.Attachments.AllowListPath) == "" {
		cfg.Attachments.AllowListPath = filepath.Join("config", "extensions.txt")
	}
	if strings.TrimSpace(cfg.Weeek.BaseURL) == "" {
		cfg.Weeek.BaseURL = "https://api.weeek.net/public/v1"
	}
	if strings.TrimSpace(cfg.Weeek.ProjectName) == "" {
		cfg.Weeek.ProjectName = "Tasks. Backlog"
	}
	if strings.TrimSpace(cfg.Weeek.BoardName) == "" {
		cfg.Weeek.BoardName = "Backlog"
	}
	if strings.TrimSpace(cfg.Weeek.ColumnName) == "" {
		cfg.Weeek.ColumnName = "Backlog. DO NOT MOVE"
	}
}
