package blockfilter

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetEnabled(true, true)
	return db
}

func TestShouldBlock_InlineHosts(t *testing.T) {
	db := openTestDB(t)
	db.AddInlineHosts(KindAd, []string{"ads.example.com"})
	db.AddInlineHosts(KindTracker, []string{"metrics.example.net"})

	block, kind := db.ShouldBlock("ads.example.com")
	assert.True(t, block)
	assert.Equal(t, KindAd, kind)

	block, kind = db.ShouldBlock("metrics.example.net")
	assert.True(t, block)
	assert.Equal(t, KindTracker, kind)

	block, _ = db.ShouldBlock("www.example.com")
	assert.False(t, block)

	assert.Equal(t, int64(2), db.BlocksTotal())
}

func TestShouldBlock_CaseAndParentDomain(t *testing.T) {
	db := openTestDB(t)
	db.AddInlineHosts(KindAd, []string{"ads.example.com"})

	block, _ := db.ShouldBlock("ADS.Example.COM")
	assert.True(t, block, "matching is case-insensitive")

	block, _ = db.ShouldBlock("cdn.ads.example.com")
	assert.True(t, block, "subdomains of a filtered host are filtered")

	block, _ = db.ShouldBlock("example.com")
	assert.False(t, block, "parents of a filtered host are not filtered")
}

func TestShouldBlock_KindToggles(t *testing.T) {
	db := openTestDB(t)
	db.AddInlineHosts(KindAd, []string{"ads.test"})
	db.AddInlineHosts(KindTracker, []string{"track.test"})

	db.SetEnabled(false, true)
	block, _ := db.ShouldBlock("ads.test")
	assert.False(t, block)
	block, _ = db.ShouldBlock("track.test")
	assert.True(t, block)

	db.SetEnabled(false, false)
	block, _ = db.ShouldBlock("track.test")
	assert.False(t, block)
}

func TestUpdate_RebuildAndPersist(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "blockfilter.db")

	db, err := Open(dbPath, slog.Default())
	require.NoError(t, err)
	db.SetEnabled(true, true)

	fetch := func(url string) ([]string, error) {
		return []string{"ads.one.test", "ads.two.test"}, nil
	}
	require.NoError(t, db.Update(KindAd, []string{"https://lists.test/ads"}, fetch))

	ads, trackers := db.Size()
	assert.Equal(t, 2, ads)
	assert.Equal(t, 0, trackers)
	require.NoError(t, db.Close())

	// Reopen: entries were persisted.
	db2, err := Open(dbPath, slog.Default())
	require.NoError(t, err)
	defer db2.Close() //nolint:errcheck // test cleanup
	db2.SetEnabled(true, true)

	block, kind := db2.ShouldBlock("ads.one.test")
	assert.True(t, block)
	assert.Equal(t, KindAd, kind)
}

func TestUpdate_KindsAreIndependent(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(KindAd, []string{"u1"}, func(string) ([]string, error) {
		return []string{"ads.test"}, nil
	}))
	require.NoError(t, db.Update(KindTracker, []string{"u2"}, func(string) ([]string, error) {
		return []string{"track.test"}, nil
	}))

	// Rebuilding ads leaves trackers alone.
	require.NoError(t, db.Update(KindAd, []string{"u3"}, func(string) ([]string, error) {
		return []string{"other-ads.test"}, nil
	}))

	block, _ := db.ShouldBlock("track.test")
	assert.True(t, block)
	block, _ = db.ShouldBlock("ads.test")
	assert.False(t, block)
	block, _ = db.ShouldBlock("other-ads.test")
	assert.True(t, block)
}

func TestUpdate_FetchErrorSkipsSource(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(KindAd, []string{"https://bad.test", "https://good.test"}, func(url string) ([]string, error) {
		if strings.Contains(url, "bad") {
			return nil, errors.New("fetch failed")
		}
		return []string{"ads.test"}, nil
	})
	require.NoError(t, err)

	block, _ := db.ShouldBlock("ads.test")
	assert.True(t, block)
}

// --- parser ---

func TestParseHosts_HostsFormat(t *testing.T) {
	input := `
# comment
0.0.0.0 ads.example.com
127.0.0.1 tracker.example.net
0.0.0.0 localhost
`
	hosts := ParseHosts(strings.NewReader(input))
	assert.Equal(t, []string{"ads.example.com", "tracker.example.net"}, hosts)
}

func TestParseHosts_AdblockFormat(t *testing.T) {
	input := `
! adblock comment
||ads.example.com^
||banners.example.net^$third-party
`
	hosts := ParseHosts(strings.NewReader(input))
	assert.Equal(t, []string{"ads.example.com", "banners.example.net"}, hosts)
}

func TestParseHosts_BareAndDedup(t *testing.T) {
	input := `
ads.example.com
ADS.EXAMPLE.COM
not_a_host_line with extra fields
`
	hosts := ParseHosts(strings.NewReader(input))
	assert.Equal(t, []string{"ads.example.com"}, hosts)
}
