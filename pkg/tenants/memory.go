// pkg/tenants/memory.go
package tenants

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type memDirectory struct {
	log     *zap.SugaredLogger
	mu      sync.RWMutex
	records []Record
}

// seedFile is the YAML layout accepted by TENANT_SEED_FILE.
type seedFile struct {
	Tenants []ConnectionInfo `yaml:"tenants"`
}

// NewMemoryDirectory builds a directory from a JSON array of connection infos and/or a
// YAML seed file. Both are optional; an empty directory only follows the control channel.
func NewMemoryDirectory(log *zap.SugaredLogger, seedJSON, seedPath string) (Directory, error) {
	d := &memDirectory{log: log}
	if seedJSON != "" {
		var entries []ConnectionInfo
		if err := json.Unmarshal([]byte(seedJSON), &entries); err != nil {
			return nil, fmt.Errorf("tenant seed json: %w", err)
		}
		d.add(entries...)
	}
	if seedPath != "" {
		raw, err := os.ReadFile(seedPath)
		if err != nil {
			return nil, fmt.Errorf("tenant seed file: %w", err)
		}
		var sf seedFile
		if err := yaml.Unmarshal(raw, &sf); err != nil {
			return nil, fmt.Errorf("tenant seed file %s: %w", seedPath, err)
		}
		d.add(sf.Tenants...)
	}
	log.Infow("memory tenant directory ready", "tenants", len(d.records))
	return d, nil
}

// NewStaticDirectory wraps a fixed record list.
func NewStaticDirectory(records ...Record) Directory {
	return &memDirectory{log: zap.NewNop().Sugar(), records: records}
}

func (m *memDirectory) add(entries ...ConnectionInfo) {
	for _, e := range entries {
		if e.OrgID == "" {
			m.log.Warnw("tenant seed entry without orgId skipped", "instance_url", e.InstanceURL)
			continue
		}
		b, _ := json.Marshal(e)
		m.records = append(m.records, Record{TenantID: e.OrgID, ConnectionInfo: string(b)})
	}
}

func (m *memDirectory) ListActive(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out, nil
}
