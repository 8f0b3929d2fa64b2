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

package viperutil

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options describe how a value is configured.
type Options[T any] struct {
	// Default is used when no other source sets the value.
	Default T

	// FlagName is the flag BindFlags binds to the value. Empty means the
	// value has no flag.
	FlagName string

	// EnvVars are extra environment variables to read, checked before the
	// automatic ASYNCPOOL_<KEY> variable.
	EnvVars []string

	// GetFunc overrides how the value is read from viper. Types without a
	// built-in getter need one.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Value is a typed configuration value.
type Value[T any] interface {
	// Key is the viper key, also used in config files.
	Key() string
	// Default returns the declared default.
	Default() T
	// Get returns the effective value.
	Get() T
	// Set overrides the value, taking precedence over every other source.
	Set(v T)

	bindable
}

type bindable interface {
	Key() string
	flagName() string
	registry() *Registry
}

type value[T any] struct {
	reg  *Registry
	key  string
	opts Options[T]
	get  func(key string) T
}

// Configure declares a value on reg.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	reg.v.SetDefault(key, opts.Default)

	env := append([]string{key}, opts.EnvVars...)
	env = append(env, EnvPrefix+"_"+strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key)))
	_ = reg.v.BindEnv(env...)

	get := getterFor[T](reg.v)
	if opts.GetFunc != nil {
		get = opts.GetFunc(reg.v)
	}

	return &value[T]{reg: reg, key: key, opts: opts, get: get}
}

func (val *value[T]) Key() string         { return val.key }
func (val *value[T]) Default() T          { return val.opts.Default }
func (val *value[T]) Get() T              { return val.get(val.key) }
func (val *value[T]) Set(v T)             { val.reg.v.Set(val.key, v) }
func (val *value[T]) flagName() string    { return val.opts.FlagName }
func (val *value[T]) registry() *Registry { return val.reg }

// getterFor returns the viper getter matching T.
func getterFor[T any](v *viper.Viper) func(key string) T {
	var zero T
	var get any
	switch any(zero).(type) {
	case string:
		get = v.GetString
	case bool:
		get = v.GetBool
	case int:
		get = v.GetInt
	case int64:
		get = v.GetInt64
	case float64:
		get = v.GetFloat64
	case time.Duration:
		get = getDuration(v)
	case []string:
		get = v.GetStringSlice
	default:
		return func(key string) T {
			var out T
			if err := v.UnmarshalKey(key, &out); err != nil {
				return zero
			}
			return out
		}
	}
	return get.(func(string) T)
}

// getDuration reads a duration, taking bare numbers as seconds. viper's own
// GetDuration reads them as nanoseconds, which would make "idle-timeout: 30"
// in a config file mean 30ns while the same value as a setting means 30s.
func getDuration(v *viper.Viper) func(key string) time.Duration {
	return func(key string) time.Duration {
		switch raw := v.Get(key).(type) {
		case time.Duration:
			return raw
		case int:
			return time.Duration(raw) * time.Second
		case int32:
			return time.Duration(raw) * time.Second
		case int64:
			return time.Duration(raw) * time.Second
		case uint:
			return time.Duration(raw) * time.Second
		case uint64:
			return time.Duration(raw) * time.Second
		case float32:
			return time.Duration(float64(raw) * float64(time.Second))
		case float64:
			return time.Duration(raw * float64(time.Second))
		case string:
			if secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
				return time.Duration(secs * float64(time.Second))
			}
		}
		return v.GetDuration(key)
	}
}

// BindFlags binds each value to its flag in fs. Flags must already be
// defined; values without a flag name, or whose flag is missing, are
// skipped.
func BindFlags(fs *pflag.FlagSet, values ...bindable) {
	for _, val := range values {
		name := val.flagName()
		if name == "" {
			continue
		}
		if f := fs.Lookup(name); f != nil {
			_ = val.registry().v.BindPFlag(val.Key(), f)
		}
	}
}
