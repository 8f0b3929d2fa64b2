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

// Package viperutil wraps viper into typed, flag-bound configuration values.
//
// A Registry owns one viper instance. Values are declared against it with
// Configure, bound to command line flags with BindFlags, and read back with
// Get. Precedence follows viper: explicit flags, then environment variables,
// then the config file, then the declared default.
package viperutil

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to the automatic environment variable of every
// value: "pool-size" is read from ASYNCPOOL_POOL_SIZE.
const EnvPrefix = "ASYNCPOOL"

// Registry holds the viper instance backing a set of values. Each command
// gets its own registry so tests and subcommands do not share state.
type Registry struct {
	v  *viper.Viper
	fs afero.Fs
}

// NewRegistry creates a registry reading config files from the OS
// filesystem.
func NewRegistry() *Registry {
	return NewRegistryWithFs(afero.NewOsFs())
}

// NewRegistryWithFs creates a registry reading config files from fs.
func NewRegistryWithFs(fs afero.Fs) *Registry {
	v := viper.New()
	v.SetFs(fs)
	return &Registry{v: v, fs: fs}
}

// Fs returns the filesystem config files are read from.
func (reg *Registry) Fs() afero.Fs {
	return reg.fs
}

// AllSettings returns every known key with its effective value.
func (reg *Registry) AllSettings() map[string]any {
	return reg.v.AllSettings()
}

// ConfigFileUsed returns the config file that was loaded, if any.
func (reg *Registry) ConfigFileUsed() string {
	return reg.v.ConfigFileUsed()
}
