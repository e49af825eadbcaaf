package fraglakedb

import (
	"github.com/pkg/errors"

	"github.com/fraglake/fraglake/fraglakedb/backend/azure"
	"github.com/fraglake/fraglake/fraglakedb/backend/local"
	"github.com/fraglake/fraglake/fraglakedb/bridge"
	"github.com/fraglake/fraglake/fraglakedb/catalog"
)

const (
	// DefaultBufferSizeMB triggers a flush once a collection's unlocked
	// buffers exceed this many megabytes of original payload.
	DefaultBufferSizeMB = 6

	BackendLocal = "local"
	BackendAzure = "azure"
)

type Config struct {
	// Backend selects the blob store: local or azure.
	Backend string `yaml:"backend"`

	Local *local.Config  `yaml:"local"`
	Azure *azure.Config  `yaml:"azure"`
	DB    catalog.Config `yaml:"db"`

	Bridge bridge.Config `yaml:"bridge"`

	// BufferSizeMB is the flush threshold in megabytes. Zero means the
	// default.
	BufferSizeMB int `yaml:"buffer_size_mb"`
}

func (cfg *Config) bufferSizeBytes() int64 {
	mb := cfg.BufferSizeMB
	if mb <= 0 {
		mb = DefaultBufferSizeMB
	}
	return int64(mb) * 1024 * 1024
}

func (cfg *Config) validate() error {
	switch cfg.Backend {
	case BackendLocal:
		if cfg.Local == nil {
			return errors.New("local backend selected but not configured")
		}
	case BackendAzure:
		if cfg.Azure == nil {
			return errors.New("azure backend selected but not configured")
		}
	default:
		return errors.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}
