package signaling

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signaling.cache")
	fc := NewFileCache(path, time.Hour)

	info := &ChannelInfo{
		Name:          "my-channel",
		Role:          RoleMaster,
		Region:        "us-west-2",
		ARN:           "arn:aws:kinesisvideo:us-west-2:111:channel/my-channel/123",
		HTTPSEndpoint: "https://example.com",
		WSSEndpoint:   "wss://example.com",
	}
	require.NoError(t, fc.Save(info))

	loaded, ok := fc.Load("my-channel", RoleMaster)
	require.True(t, ok)
	assert.Equal(t, info.ARN, loaded.ARN)
	assert.Equal(t, info.HTTPSEndpoint, loaded.HTTPSEndpoint)
	assert.Equal(t, info.WSSEndpoint, loaded.WSSEndpoint)

	// A different role for the same channel name is a cache miss.
	_, ok = fc.Load("my-channel", RoleViewer)
	assert.False(t, ok)
}

func TestFileCacheExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signaling.cache")
	fc := NewFileCache(path, time.Millisecond)

	require.NoError(t, fc.Save(&ChannelInfo{Name: "c", Role: RoleViewer}))
	time.Sleep(5 * time.Millisecond)

	_, ok := fc.Load("c", RoleViewer)
	assert.False(t, ok, "entry should have aged out of the caching period")
}

func TestFileCacheBoundedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signaling.cache")
	fc := NewFileCache(path, time.Hour)

	for i := 0; i < maxCacheEntries+5; i++ {
		require.NoError(t, fc.Save(&ChannelInfo{
			Name: string(rune('a' + i%26)),
			Role: RoleViewer,
		}))
	}

	entries, ok := fc.readAll()
	require.True(t, ok)
	assert.LessOrEqual(t, len(entries), maxCacheEntries)
}

func TestFileCacheMalformedFileIsTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signaling.cache")
	require.NoError(t, ioutil.WriteFile(path, []byte("not,a,valid,cache,line\n"), 0600))

	fc := NewFileCache(path, time.Hour)
	_, ok := fc.Load("anything", RoleMaster)
	assert.False(t, ok)

	// Saving rewrites the file from scratch with a well-formed entry.
	require.NoError(t, fc.Save(&ChannelInfo{Name: "fresh", Role: RoleMaster}))
	loaded, ok := fc.Load("fresh", RoleMaster)
	require.True(t, ok)
	assert.Equal(t, "fresh", loaded.Name)
}

func writeRaw(path, content string) error {
	return ioutil.WriteFile(path, []byte(content), 0600)
}
