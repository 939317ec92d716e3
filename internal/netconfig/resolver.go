package netconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/compose-network/contract-deployer/internal/infra/filesystem"
	"github.com/compose-network/contract-deployer/internal/logger"
)

const fileExtension = ".json"

// Resolver loads <dir>/<network>.json on first use and serves the parsed
// configuration read-only afterwards.
type Resolver struct {
	dir    string
	reader filesystem.Reader
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]NetworkConfig
}

// NewResolver creates a resolver over a directory of network files
func NewResolver(dir string, reader filesystem.Reader) *Resolver {
	return &Resolver{
		dir:    dir,
		reader: reader,
		logger: logger.Named("network_config_resolver"),
		cache:  make(map[string]NetworkConfig),
	}
}

// Resolve returns the configuration of networkID or ErrUnknownNetwork.
func (r *Resolver) Resolve(networkID string) (NetworkConfig, error) {
	if networkID == "" || strings.ContainsAny(networkID, `/\`) || strings.HasPrefix(networkID, ".") {
		return NetworkConfig{}, fmt.Errorf("%w: '%s'", ErrUnknownNetwork, networkID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg, ok := r.cache[networkID]; ok {
		return cfg, nil
	}

	path := filepath.Join(r.dir, networkID+fileExtension)
	logger := r.logger.With("network", networkID).With("path", path)
	logger.Debug("loading network configuration")

	var doc map[string]any
	if err := r.reader.ReadJSON(path, &doc); err != nil {
		if errors.Is(err, filesystem.ErrNotExist) {
			return NetworkConfig{}, r.unknownNetwork(networkID)
		}
		return NetworkConfig{}, fmt.Errorf("failed to load network configuration for '%s': %w", networkID, err)
	}

	cfg, err := Parse(networkID, doc)
	if err != nil {
		return NetworkConfig{}, fmt.Errorf("failed to parse network configuration for '%s': %w", networkID, err)
	}

	logger.
		With("tokens", len(cfg.tokens)).
		With("contracts", len(cfg.contracts)).
		With("parameters", len(cfg.parameters)).
		Info("network configuration loaded")

	r.cache[networkID] = cfg

	return cfg, nil
}

func (r *Resolver) unknownNetwork(networkID string) error {
	networks, err := r.Networks()
	if err != nil || len(networks) == 0 {
		return fmt.Errorf("%w: '%s' (no network files in %s)", ErrUnknownNetwork, networkID, r.dir)
	}
	return fmt.Errorf("%w: '%s' (available: %s)", ErrUnknownNetwork, networkID, strings.Join(networks, ", "))
}

// Networks lists the network identifiers available in the directory.
func (r *Resolver) Networks() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks directory: %w", err)
	}

	var networks []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExtension {
			continue
		}
		networks = append(networks, strings.TrimSuffix(entry.Name(), fileExtension))
	}
	slices.Sort(networks)

	return networks, nil
}
