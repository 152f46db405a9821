package artifacts

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Fetcher pulls a versioned artifact set from the model registry over HTTP
// into the local directory layout, so an explicitly configured version can be
// served without a manual copy step. The registry exposes files as
// <base>/artifacts/<version>/<filename>.
type Fetcher struct {
	rest *resty.Client
	base string
	dir  string
}

func NewFetcher(baseURL, dir string, timeout time.Duration) *Fetcher {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(30 * time.Second) // default fallback
	}
	return &Fetcher{rest: r, base: baseURL, dir: dir}
}

// Fetch downloads the four artifact files for a version. Files are written
// atomically (temp file + rename) so a partially fetched set never shadows a
// good one. A registry 404 maps to ErrArtifactNotFound.
func (f *Fetcher) Fetch(ctx context.Context, version string) error {
	if err := os.MkdirAll(filepath.Join(f.dir, MetaDir), 0o750); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(f.dir, ModelsDir), 0o750); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}

	store := NewStore(f.dir)
	for _, dest := range store.Paths(version) {
		if err := f.fetchFile(ctx, version, dest); err != nil {
			return err
		}
	}

	log.Info().Str("version", version).Str("dir", f.dir).Msg("artifact set fetched from registry")
	return nil
}

func (f *Fetcher) fetchFile(ctx context.Context, version, dest string) error {
	name := filepath.Base(dest)
	url := fmt.Sprintf("%s/artifacts/%s/%s", f.base, version, name)
	tmp := dest + ".tmp"

	resp, err := f.rest.R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		os.Remove(tmp)
		return fmt.Errorf("%w: registry has no %s for version %s", ErrArtifactNotFound, name, version)
	}
	if resp.StatusCode() != http.StatusOK {
		os.Remove(tmp)
		return fmt.Errorf("fetch %s: registry returned %d", name, resp.StatusCode())
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("finalize %s: %w", name, err)
	}
	return nil
}
