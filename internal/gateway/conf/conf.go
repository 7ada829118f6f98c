// Package conf handles the on-disk gateway agent configuration.
package conf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Conf struct {
	AuthorityURL      string `json:"authority_url"`
	GatewayKey        string `json:"gateway_key"`
	Hostname          string `json:"hostname"`
	StatusLogPath     string `json:"status_log_path"`
	ZiproxyAccessLog  string `json:"ziproxy_access_log"`
	MgmtAddr          string `json:"mgmt_addr"`
	ReportIntervalSec int    `json:"report_interval_sec"`
	UpdatedAt         int64  `json:"updated_at"`
}

// ReportInterval converts the configured interval, falling back to a
// minute when unset.
func (c *Conf) ReportInterval() time.Duration {
	if c.ReportIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ReportIntervalSec) * time.Second
}

func Load(path string) (*Conf, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Conf{}, nil
		}
		return nil, err
	}

	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return &Conf{}, nil
	}

	var conf Conf
	if err := json.Unmarshal(content, &conf); err != nil {
		return nil, fmt.Errorf("decode agent conf: %w", err)
	}
	return &conf, nil
}

func Save(path string, conf *Conf) error {
	if conf == nil {
		return fmt.Errorf("agent conf is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	conf.UpdatedAt = time.Now().Unix()

	payload, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Validate reports whether the conf carries enough to run the agent.
func (c *Conf) Validate() error {
	if strings.TrimSpace(c.AuthorityURL) == "" {
		return fmt.Errorf("authority_url is required")
	}
	if strings.TrimSpace(c.GatewayKey) == "" {
		return fmt.Errorf("gateway_key is required")
	}
	if strings.TrimSpace(c.Hostname) == "" {
		return fmt.Errorf("hostname is required")
	}
	if strings.TrimSpace(c.StatusLogPath) == "" {
		return fmt.Errorf("status_log_path is required")
	}
	return nil
}
