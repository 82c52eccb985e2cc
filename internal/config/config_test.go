package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSites(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSitesDefaults(t *testing.T) {
	path := writeSites(t, `
sites:
  - name: usstoyo
    base_url: https://auctions.usstoyo.example
`)
	sites, err := LoadSites(path, 0)
	require.NoError(t, err)
	require.Len(t, sites, 1)

	s := sites[0]
	assert.Equal(t, "httpjson", s.Adapter)
	assert.Equal(t, 5, s.RateLimit.MaxConcurrent)
	assert.Equal(t, 3, s.MaxRetries)
	assert.Zero(t, s.MinInterval())
}

func TestLoadSitesInheritsDefaultMaxRetries(t *testing.T) {
	path := writeSites(t, `
sites:
  - name: usstoyo
    base_url: https://auctions.usstoyo.example
  - name: asnet
    base_url: https://asnet.example
    max_retries: 7
`)
	sites, err := LoadSites(path, 5)
	require.NoError(t, err)
	require.Len(t, sites, 2)

	// Unset sites inherit the global default; explicit values win.
	assert.Equal(t, 5, sites[0].MaxRetries)
	assert.Equal(t, 7, sites[1].MaxRetries)
}

func TestLoadSitesRejectsDuplicates(t *testing.T) {
	path := writeSites(t, `
sites:
  - name: usstoyo
    base_url: https://a.example
  - name: usstoyo
    base_url: https://b.example
`)
	_, err := LoadSites(path, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate site name")
}

func TestLoadSitesRejectsEmpty(t *testing.T) {
	_, err := LoadSites(writeSites(t, "sites: []\n"), 3)
	require.Error(t, err)

	_, err = LoadSites(filepath.Join(t.TempDir(), "missing.yaml"), 3)
	require.Error(t, err)
}

func TestSiteCredentialsComeFromEnv(t *testing.T) {
	t.Setenv("TEST_SITE_USER", "alice")
	t.Setenv("TEST_SITE_PASS", "s3cret")

	s := Site{UsernameEnv: "TEST_SITE_USER", PasswordEnv: "TEST_SITE_PASS"}
	assert.Equal(t, "alice", s.Username())
	assert.Equal(t, "s3cret", s.Password())

	assert.Empty(t, Site{}.Username())
}

func TestSiteMinInterval(t *testing.T) {
	s := Site{}
	s.RateLimit.MinIntervalMS = 250
	assert.Equal(t, 250*time.Millisecond, s.MinInterval())
}
