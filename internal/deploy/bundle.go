// Package deploy accepts agent bundles over HTTP, persists them to disk and
// to a key-value index, and routes incoming session WebSockets to the
// matching agent worker.
//
// A bundle is the deployable unit: the worker source that registers the
// agent, the browser client source, and the env map carrying the agent's
// secrets. Deploys are transactional per slug — the previous version stays
// live until the new directory is swapped into place.
package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Bundle is an uploaded deployable unit.
type Bundle struct {
	// Slug identifies the agent for routing.
	Slug string `json:"slug"`

	// Env carries the agent's secrets and configuration.
	Env map[string]string `json:"env"`

	// WorkerSource is the JavaScript that registers the agent.
	WorkerSource string `json:"worker"`

	// ClientSource is the bundled browser client.
	ClientSource string `json:"client"`
}

// Manifest is the on-disk bundle metadata, stored as manifest.json.
type Manifest struct {
	Slug string            `json:"slug"`
	Env  map[string]string `json:"env"`
}

const (
	manifestFile = "manifest.json"
	workerFile   = "worker.js"
	clientFile   = "client.js"
)

// ErrBundleNotFound is returned when a slug has no on-disk bundle.
var ErrBundleNotFound = errors.New("deploy: bundle not found")

// BundleDir is the on-disk bundle store: one directory per slug under a
// single root. Writes are single-writer (the deploy endpoint); reads may be
// concurrent.
type BundleDir struct {
	root string
}

// NewBundleDir opens (creating if needed) the bundle root directory.
func NewBundleDir(root string) (*BundleDir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("deploy: create bundle root: %w", err)
	}
	return &BundleDir{root: root}, nil
}

// Root returns the bundle root path.
func (d *BundleDir) Root() string { return d.root }

// Write persists the bundle atomically: the files land in a temp directory
// first and the slug directory is swapped in a final rename, so a failed
// deploy leaves the previous version live.
func (d *BundleDir) Write(b Bundle) error {
	manifest, err := json.MarshalIndent(Manifest{Slug: b.Slug, Env: b.Env}, "", "  ")
	if err != nil {
		return fmt.Errorf("deploy: marshal manifest: %w", err)
	}

	tmp, err := os.MkdirTemp(d.root, ".deploy-"+b.Slug+"-")
	if err != nil {
		return fmt.Errorf("deploy: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	files := map[string][]byte{
		manifestFile: manifest,
		workerFile:   []byte(b.WorkerSource),
		clientFile:   []byte(b.ClientSource),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(tmp, name), data, 0o644); err != nil {
			return fmt.Errorf("deploy: write %s: %w", name, err)
		}
	}

	dst := filepath.Join(d.root, b.Slug)
	old := dst + ".old"
	os.RemoveAll(old)

	hadPrev := true
	if err := os.Rename(dst, old); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("deploy: stage previous bundle: %w", err)
		}
		hadPrev = false
	}
	if err := os.Rename(tmp, dst); err != nil {
		if hadPrev {
			// Restore the previous version so the slug stays live.
			os.Rename(old, dst)
		}
		return fmt.Errorf("deploy: install bundle: %w", err)
	}
	if hadPrev {
		os.RemoveAll(old)
	}
	return nil
}

// Read loads the stored bundle for slug. Returns ErrBundleNotFound when the
// slug has no directory.
func (d *BundleDir) Read(slug string) (*Bundle, error) {
	dir := filepath.Join(d.root, slug)

	manifestData, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBundleNotFound
		}
		return nil, fmt.Errorf("deploy: read manifest for %q: %w", slug, err)
	}
	var m Manifest
	if err := json.Unmarshal(manifestData, &m); err != nil {
		return nil, fmt.Errorf("deploy: parse manifest for %q: %w", slug, err)
	}

	worker, err := os.ReadFile(filepath.Join(dir, workerFile))
	if err != nil {
		return nil, fmt.Errorf("deploy: read worker for %q: %w", slug, err)
	}
	client, err := os.ReadFile(filepath.Join(dir, clientFile))
	if err != nil {
		return nil, fmt.Errorf("deploy: read client for %q: %w", slug, err)
	}

	return &Bundle{
		Slug:         m.Slug,
		Env:          m.Env,
		WorkerSource: string(worker),
		ClientSource: string(client),
	}, nil
}

// List returns the slugs present on disk, skipping temp and backup
// directories from interrupted deploys.
func (d *BundleDir) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("deploy: list bundles: %w", err)
	}
	var slugs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if name[0] == '.' || filepath.Ext(name) == ".old" {
			continue
		}
		slugs = append(slugs, name)
	}
	return slugs, nil
}
