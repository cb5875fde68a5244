package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stelehq/stele/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stele.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
entity: https://example.com/
root_credentials:
  key: super-secret-root-key
  algorithm: sha256
attachments_dir: /var/lib/stele/attachments
skew_seconds: 120
credentials_link_ttl_seconds: 600
max_upload_bytes: 1048576
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", c.Entity, "trailing slash trimmed")
	require.Equal(t, 2*time.Minute, c.Skew())
	require.Equal(t, 10*time.Minute, c.CredentialsLinkTTL())
	require.Equal(t, int64(1<<20), c.MaxUploadBytes)

	root := c.Root()
	require.Equal(t, "root", root.ID)
	require.Equal(t, model.SHA256, root.Algorithm)
	require.Equal(t, "super-secret-root-key", root.Key)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
entity: http://localhost:8080
root_credentials:
  key: k
attachments_dir: /tmp/att
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, c.Skew())
	require.Equal(t, time.Hour, c.CredentialsLinkTTL())
	require.Equal(t, string(model.SHA256), c.RootCredentials.Algorithm)
	require.Equal(t, int64(64<<20), c.MaxUploadBytes)

	m := c.Meta()
	require.Equal(t, "http://localhost:8080/posts", m.Server.URLs.PostsFeed)
	require.Equal(t, "http://localhost:8080/types", m.Server.URLs.Types)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing entity": `
root_credentials: {key: k}
attachments_dir: /tmp/a
`,
		"relative entity": `
entity: example.com
root_credentials: {key: k}
attachments_dir: /tmp/a
`,
		"missing key": `
entity: https://example.com
attachments_dir: /tmp/a
`,
		"bad algorithm": `
entity: https://example.com
root_credentials: {key: k, algorithm: md5}
attachments_dir: /tmp/a
`,
		"missing attachments dir": `
entity: https://example.com
root_credentials: {key: k}
`,
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
