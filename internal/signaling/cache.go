package signaling

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxCacheEntries bounds the number of entries kept in the persisted cache
// file; entries beyond this are dropped, oldest first (§6).
const maxCacheEntries = 16

// cacheEntry is one line of the persisted signaling cache file:
//   channelName,role,region,channelArn,httpsEndpoint,wssEndpoint,creationEpochSeconds
type cacheEntry struct {
	channelName   string
	role          Role
	region        string
	channelArn    string
	httpsEndpoint string
	wssEndpoint   string
	createdAt     time.Time
}

func (e cacheEntry) serialize() string {
	return fmt.Sprintf("%s,%s,%s,%s,%s,%s,%d\n",
		e.channelName, e.role, e.region, e.channelArn, e.httpsEndpoint, e.wssEndpoint, e.createdAt.Unix())
}

func parseCacheEntry(line string) (cacheEntry, bool) {
	fields := strings.Split(line, ",")
	if len(fields) != 7 {
		return cacheEntry{}, false
	}
	role, ok := ParseRole(fields[1])
	if !ok {
		return cacheEntry{}, false
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(fields[6]), 10, 64)
	if err != nil {
		return cacheEntry{}, false
	}
	return cacheEntry{
		channelName:   fields[0],
		role:          role,
		region:        fields[2],
		channelArn:    fields[3],
		httpsEndpoint: fields[4],
		wssEndpoint:   fields[5],
		createdAt:     time.Unix(epoch, 0),
	}, true
}

// FileCache persists a bounded set of previously-described channels so a
// restart can skip the describe/create round trip while the entry remains
// within cachingPeriod of its creation.
type FileCache struct {
	path          string
	cachingPeriod time.Duration
}

func NewFileCache(path string, cachingPeriod time.Duration) *FileCache {
	return &FileCache{path: path, cachingPeriod: cachingPeriod}
}

// Load returns the cached entry for (channelName, role), if one exists and
// hasn't aged out of the caching period. A malformed cache file is treated
// as empty; the next Save truncates and rewrites it from scratch.
func (fc *FileCache) Load(channelName string, role Role) (*ChannelInfo, bool) {
	entries, ok := fc.readAll()
	if !ok {
		return nil, false
	}
	for _, e := range entries {
		if e.channelName != channelName || e.role != role {
			continue
		}
		if time.Since(e.createdAt) > fc.cachingPeriod {
			continue
		}
		return &ChannelInfo{
			Name:          e.channelName,
			Role:          e.role,
			Region:        e.region,
			ARN:           e.channelArn,
			HTTPSEndpoint: e.httpsEndpoint,
			WSSEndpoint:   e.wssEndpoint,
			CreatedAt:     e.createdAt,
			CachingPeriod: fc.cachingPeriod,
		}, true
	}
	return nil, false
}

// Save upserts an entry for info's (Name, Role), dropping the oldest entry
// if the file is already at maxCacheEntries, then rewrites the whole file.
func (fc *FileCache) Save(info *ChannelInfo) error {
	entries, _ := fc.readAll()

	filtered := entries[:0]
	for _, e := range entries {
		if e.channelName == info.Name && e.role == info.Role {
			continue
		}
		filtered = append(filtered, e)
	}

	created := info.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	filtered = append(filtered, cacheEntry{
		channelName:   info.Name,
		role:          info.Role,
		region:        info.Region,
		channelArn:    info.ARN,
		httpsEndpoint: info.HTTPSEndpoint,
		wssEndpoint:   info.WSSEndpoint,
		createdAt:     created,
	})

	if len(filtered) > maxCacheEntries {
		filtered = filtered[len(filtered)-maxCacheEntries:]
	}

	return fc.writeAll(filtered)
}

// readAll returns (nil, false) for a missing or malformed file, so the
// caller treats it as empty rather than erroring out.
func (fc *FileCache) readAll() ([]cacheEntry, bool) {
	f, err := os.Open(fc.path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var entries []cacheEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e, ok := parseCacheEntry(line)
		if !ok {
			// A single malformed line invalidates the whole file: the next
			// Save truncates and recreates it rather than trying to salvage
			// partial state.
			return nil, false
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, false
	}
	return entries, true
}

func (fc *FileCache) writeAll(entries []cacheEntry) error {
	f, err := os.OpenFile(fc.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := w.WriteString(e.serialize()); err != nil {
			return err
		}
	}
	return w.Flush()
}
