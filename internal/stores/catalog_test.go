package stores

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/partprice/internal/fetch"
	"github.com/FranksOps/partprice/internal/fingerprint"
	"github.com/FranksOps/partprice/internal/strategy"
)

const catalogYAML = `
stores:
  - name: Alpha Parts
    type: api
    config:
      url_template: https://alpha.example/api/{part}
      header.X-Api-Key: ${PARTPRICE_TEST_ALPHA_KEY}
      timeout: 4s
      aliases: alpha
  - id: beta
    name: Beta Autoteile
    type: html
    enabled: false
    config:
      search_url_template: https://beta.example/suche?q={part}
      item_selector: li.product
      price_selector: .price
      max_pages: 2
  - name: Gamma
    type: browser-automation
    config_file: gamma.yaml
`

func TestParseAndBuild(t *testing.T) {
	t.Setenv("PARTPRICE_TEST_ALPHA_KEY", "secret-1")
	dir := t.TempDir()
	gamma := "driver: rod\npage_url_template: https://gamma.example/s?q={part}\nitem_selector: .tile\nprice_selector: .price\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gamma.yaml"), []byte(gamma), 0o644))

	cat, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)
	require.Len(t, cat.Stores, 3)
	assert.Equal(t, "alpha-parts", cat.Stores[0].ID)
	assert.False(t, cat.Stores[1].IsEnabled())
	cat.Stores[2].ConfigFile = filepath.Join(dir, "gamma.yaml")

	f, err := fetch.New(fetch.Config{Timeout: time.Second, Fingerprint: fingerprint.ProfileGo}, nil)
	require.NoError(t, err)
	reg, err := cat.Build(f, nil)
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, 3, reg.Len())
	alpha, ok := reg.ByStoreName("Alpha Parts")
	require.True(t, ok)
	assert.Equal(t, strategy.TypeAPI, alpha.Type())
	assert.Equal(t, "secret-1", alpha.Configuration().String("header.x-api-key", ""))
	assert.Equal(t, 4*time.Second, alpha.Configuration().Duration(strategy.KeyTimeout, 0))
	assert.Equal(t, "alpha-parts", reg.StoreID("Alpha Parts"))

	gammaStore, ok := reg.ByStoreName("gamma")
	require.True(t, ok)
	assert.Equal(t, strategy.TypeBrowser, gammaStore.Type())
	assert.Equal(t, "rod", gammaStore.Configuration().String("driver", ""))

	names := []string{}
	for _, s := range reg.ApplicableStrategies(nil) {
		names = append(names, s.StoreName())
	}
	assert.Equal(t, []string{"Alpha Parts", "Gamma"}, names)
	assert.Len(t, reg.ApplicableStrategies([]string{"alpha"}), 1)
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"no name":      "stores:\n  - type: api\n",
		"bad type":     "stores:\n  - name: A\n    type: ftp\n",
		"duplicate id": "stores:\n  - name: A\n    type: api\n  - name: a\n    type: html\n",
		"bad yaml":     "stores: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestBuild_InvalidStrategyConfig(t *testing.T) {
	cat, err := Parse([]byte("stores:\n  - name: A\n    type: api\n    config:\n      items_field: data\n"))
	require.NoError(t, err)
	f, err := fetch.New(fetch.Config{Fingerprint: fingerprint.ProfileGo}, nil)
	require.NoError(t, err)

	_, err = cat.Build(f, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url_template")
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "alpha-parts", slug("Alpha Parts"))
	assert.Equal(t, "bmw-mini-24", slug("  BMW & Mini (24)!"))
}
