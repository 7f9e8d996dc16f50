package cachestore

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FakeCommands is an in-memory Commands implementation for tests (and
// for internal/migrate, internal/sync tests) that do not want a real
// Redis server.
type FakeCommands struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	lists   map[string][]string
	zsets   map[string][]zmember
	expires map[string]time.Time
}

type zmember struct {
	member string
	score  float64
}

func NewFakeCommands() *FakeCommands {
	return &FakeCommands{
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		zsets:   make(map[string][]zmember),
		expires: make(map[string]time.Time),
	}
}

func (f *FakeCommands) HSet(ctx context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *FakeCommands) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *FakeCommands) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = time.Now().Add(ttl)
	return nil
}

// ExpiryOf exposes the recorded expiry for assertions in tests.
func (f *FakeCommands) ExpiryOf(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.expires[key]
	return t, ok
}

func (f *FakeCommands) LPush(ctx context.Context, key string, values ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{v}, f.lists[key]...)
	}
	return nil
}

func (f *FakeCommands) LTrim(ctx context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if int64(len(list)) == 0 {
		return nil
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop {
		f.lists[key] = nil
		return nil
	}
	f.lists[key] = append([]string{}, list[start:stop+1]...)
	return nil
}

func (f *FakeCommands) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop || len(list) == 0 {
		return nil, nil
	}
	out := append([]string{}, list[start:stop+1]...)
	return out, nil
}

func (f *FakeCommands) ZAdd(ctx context.Context, key string, member string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := f.zsets[key]
	for i, m := range members {
		if m.member == member {
			members[i].score = score
			f.sortZset(key)
			return nil
		}
	}
	f.zsets[key] = append(members, zmember{member: member, score: score})
	f.sortZset(key)
	return nil
}

func (f *FakeCommands) sortZset(key string) {
	members := f.zsets[key]
	sort.Slice(members, func(i, j int) bool { return members[i].score < members[j].score })
	f.zsets[key] = members
}

func (f *FakeCommands) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := f.zsets[key]
	n := int64(len(members))
	if n == 0 {
		return nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil
	}
	kept := append([]zmember{}, members[:start]...)
	kept = append(kept, members[stop+1:]...)
	f.zsets[key] = kept
	return nil
}

// ZCard exposes a sorted set's size for test assertions.
func (f *FakeCommands) ZCard(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.zsets[key])
}

// HistoryLen exposes a list's length for test assertions without going
// through the context-ful Commands.LLen.
func (f *FakeCommands) HistoryLen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists[key])
}

func (f *FakeCommands) LLen(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}

func (f *FakeCommands) ZRangeByScore(ctx context.Context, key string, minExclusive float64, offset, count int64) ([]ZEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []ZEntry
	for _, m := range f.zsets[key] {
		if m.score > minExclusive {
			matched = append(matched, ZEntry{Member: m.member, Score: m.score})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Score < matched[j].Score })
	if offset >= int64(len(matched)) {
		return nil, nil
	}
	end := offset + count
	if count <= 0 || end > int64(len(matched)) {
		end = int64(len(matched))
	}
	return append([]ZEntry{}, matched[offset:end]...), nil
}

func (f *FakeCommands) Keys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	add := func(k string) {
		if ok, _ := filepath.Match(pattern, k); ok && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range f.hashes {
		add(k)
	}
	for k := range f.lists {
		add(k)
	}
	for k := range f.zsets {
		add(k)
	}
	return out, nil
}
