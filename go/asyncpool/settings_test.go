// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package asyncpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinDefaults(t *testing.T) {
	s := BuiltinDefaults()
	assert.Equal(t, "mysql", s.Driver)
	assert.Equal(t, 4, s.PoolSize)
	assert.False(t, s.Logging)
	assert.Equal(t, time.Second, s.ReconnectDelay)
	assert.Equal(t, 10*time.Second, s.ConnectTimeout)
	assert.NoError(t, s.Validate())
}

func TestMergeSettings(t *testing.T) {
	handler := func(error) {}

	s, err := MergeSettings(BuiltinDefaults(), Options{
		"host":                  "db1",
		"port":                  "3307",
		"Pool_Size":             8,
		"logging":               "true",
		"encoding":              "utf8mb4",
		"idle-timeout":          30,
		"connect_timeout":       "1.5",
		"reconnect-delay":       "250ms",
		"max-deadlock-retries":  int64(3),
		"default-error-handler": handler,
	})
	require.NoError(t, err)

	assert.Equal(t, "mysql", s.Driver)
	assert.Equal(t, "db1", s.Host)
	assert.Equal(t, 3307, s.Port)
	assert.Equal(t, 8, s.PoolSize)
	assert.True(t, s.Logging)
	assert.Equal(t, "utf8mb4", s.Charset)
	assert.Equal(t, 30*time.Second, s.IdleTimeout)
	assert.Equal(t, 1500*time.Millisecond, s.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, s.ReconnectDelay)
	assert.Equal(t, 3, s.MaxDeadlockRetries)
	assert.NotNil(t, s.DefaultErrorHandler)
}

func TestMergeSettingsKeepsBase(t *testing.T) {
	base := BuiltinDefaults()
	base.Database = "app"

	s, err := MergeSettings(base, Options{OptUser: "reader"})
	require.NoError(t, err)
	assert.Equal(t, "app", s.Database)
	assert.Equal(t, "reader", s.User)

	// base is a value: merging never changes it.
	assert.Empty(t, base.User)
}

func TestMergeSettingsErrors(t *testing.T) {
	tests := []struct {
		name      string
		overrides Options
		want      string
	}{
		{"unknown key", Options{"colour": "blue"}, "colour"},
		{"bad int", Options{OptPoolSize: "many"}, "pool-size"},
		{"zero pool", Options{OptPoolSize: 0}, "pool-size must be at least 1"},
		{"bad duration", Options{OptReconnectDelay: "soon"}, "invalid duration"},
		{"negative delay", Options{OptReconnectDelay: -1}, "must not be negative"},
		{"zero delay", Options{OptReconnectDelay: 0}, "reconnect-delay must be greater than zero"},
		{"zero delay string", Options{OptReconnectDelay: "0s"}, "reconnect-delay must be greater than zero"},
		{"alias twice", Options{OptCharset: "latin1", OptEncoding: "utf8"}, "more than once"},
		{"empty driver", Options{OptDriver: ""}, "driver must be set"},
		{"bad port", Options{OptPort: 70000}, "port out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MergeSettings(BuiltinDefaults(), tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSetDefaults(t *testing.T) {
	t.Cleanup(ResetDefaults)

	require.NoError(t, SetDefaults(Options{OptPoolSize: 2}))
	require.NoError(t, SetDefaults(Options{OptDriver: "postgres"}))

	d := Defaults()
	assert.Equal(t, 2, d.PoolSize)
	assert.Equal(t, "postgres", d.Driver)

	require.Error(t, SetDefaults(Options{OptPoolSize: -1}))
	assert.Equal(t, 2, Defaults().PoolSize)

	ResetDefaults()
	assert.Equal(t, BuiltinDefaults().PoolSize, Defaults().PoolSize)
}

func TestNewPoolRejectsBadOverrides(t *testing.T) {
	_, err := NewPool(newManualReactor(), newFakeDB(), Options{OptPoolSize: "x"})
	assert.Error(t, err)
}

func TestClientConfig(t *testing.T) {
	s, err := MergeSettings(BuiltinDefaults(), Options{
		OptDriver:   "postgres",
		OptHost:     "pg",
		OptPort:     5432,
		OptDatabase: "app",
		OptCompress: true,
	})
	require.NoError(t, err)

	cfg := s.ClientConfig()
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "pg", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "app", cfg.Database)
	assert.True(t, cfg.Compress)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
}
