package catalog

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type fileCatalog struct {
	Providers []fileProvider `yaml:"providers"`
}

// Active defaults to true in files, so it is a pointer to tell "absent"
// from false.
type fileProvider struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Type     ProviderType   `yaml:"type"`
	Active   *bool          `yaml:"active"`
	BaseURL  string         `yaml:"base_url"`
	APIKey   string         `yaml:"api_key"`
	APIKeys  []string       `yaml:"api_keys"`
	Settings map[string]any `yaml:"settings"`
	Models   []fileModel    `yaml:"models"`
}

type fileModel struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name"`
	RemoteIdentifier string         `yaml:"remote_identifier"`
	Tags             []string       `yaml:"tags"`
	DefaultParams    map[string]any `yaml:"default_params"`
	Config           map[string]any `yaml:"config"`
	Active           *bool          `yaml:"active"`
	RateLimit        *RateLimit     `yaml:"rate_limit"`
	LocalPath        string         `yaml:"local_path"`
	DownloadURI      string         `yaml:"download_uri"`
}

// LoadFile reads a YAML catalog from path into a new MemoryStore.
func LoadFile(path string) (*MemoryStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	store := NewMemoryStore()
	if err := Decode(f, store); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return store, nil
}

// Decode parses YAML from r and upserts every provider and model into
// store. Credentials may reference environment variables as ${NAME}.
func Decode(r io.Reader, store *MemoryStore) error {
	var doc fileCatalog
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return fmt.Errorf("decode yaml: %w", err)
	}

	for _, fp := range doc.Providers {
		p := &Provider{
			ID:       fp.ID,
			Name:     fp.Name,
			Type:     fp.Type,
			Active:   fp.Active == nil || *fp.Active,
			BaseURL:  fp.BaseURL,
			Settings: fp.Settings,
		}
		for _, k := range fp.APIKeys {
			if k = os.ExpandEnv(k); k != "" {
				p.APIKeys = append(p.APIKeys, k)
			}
		}
		if len(p.APIKeys) == 0 && fp.APIKey != "" {
			p.APIKeys = ParseCredentials(os.ExpandEnv(fp.APIKey))
		}

		stored, err := store.UpsertProvider(p)
		if err != nil {
			return err
		}
		for _, fm := range fp.Models {
			m := &Model{
				ID:               fm.ID,
				Name:             fm.Name,
				RemoteIdentifier: fm.RemoteIdentifier,
				Tags:             fm.Tags,
				DefaultParams:    fm.DefaultParams,
				Config:           fm.Config,
				Active:           fm.Active == nil || *fm.Active,
				RateLimit:        fm.RateLimit,
				LocalPath:        fm.LocalPath,
				DownloadURI:      fm.DownloadURI,
			}
			if _, err := store.UpsertModel(stored.ID, m); err != nil {
				return err
			}
		}
	}
	return nil
}
