package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSettingStore struct {
	values map[string]string
}

func newFakeSettingStore() *fakeSettingStore {
	return &fakeSettingStore{values: make(map[string]string)}
}

func (f *fakeSettingStore) SaveSetting(key, value string) error {
	f.values[key] = value
	return nil
}

func (f *fakeSettingStore) LoadSetting(key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func TestManager_LoadDefaultsWhenEmpty(t *testing.T) {
	m := NewManager(newFakeSettingStore())
	cfg := m.Load()
	require.Equal(t, Default(), cfg)
}

func TestManager_SaveThenLoadRoundTrips(t *testing.T) {
	store := newFakeSettingStore()
	m := NewManager(store)

	cfg := Default()
	cfg.MaxConnections = 8
	cfg.Queue.MaxConcurrentDownloads = 10
	cfg.Queue.AutoStart = false

	require.NoError(t, m.Save(cfg))

	loaded := m.Load()
	require.Equal(t, cfg, loaded)
}

func TestManager_LoadIgnoresUnparsableValue(t *testing.T) {
	store := newFakeSettingStore()
	store.values[keyMaxConnections] = "not-a-number"
	m := NewManager(store)

	cfg := m.Load()
	require.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
}
