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

package command

import (
	"database/sql/driver"
	"time"

	"github.com/spf13/cobra"

	"github.com/multigres/asyncpool/go/asyncpool"
	"github.com/multigres/asyncpool/go/dbclient"
	"github.com/multigres/asyncpool/go/servenv"
	"github.com/multigres/asyncpool/go/viperutil"
)

// AsyncPoolCommand holds the configuration shared by the asyncpool commands.
type AsyncPoolCommand struct {
	reg *viperutil.Registry
	vc  *viperutil.ViperConfig
	lg  *servenv.Logger

	driver             viperutil.Value[string]
	host               viperutil.Value[string]
	port               viperutil.Value[int]
	user               viperutil.Value[string]
	password           viperutil.Value[string]
	database           viperutil.Value[string]
	socket             viperutil.Value[string]
	charset            viperutil.Value[string]
	compress           viperutil.Value[bool]
	idleTimeout        viperutil.Value[time.Duration]
	poolSize           viperutil.Value[int]
	logging            viperutil.Value[bool]
	connectTimeout     viperutil.Value[time.Duration]
	reconnectDelay     viperutil.Value[time.Duration]
	maxDeadlockRetries viperutil.Value[int]
	timeout            viperutil.Value[time.Duration]

	// connector replaces the driver lookup when set.
	connector func(cfg dbclient.Config) (driver.Connector, error)
}

// GetRootCommand creates and returns the root command for asyncpool with all subcommands
func GetRootCommand() (*cobra.Command, *AsyncPoolCommand) {
	reg := viperutil.NewRegistry()
	defaults := asyncpool.BuiltinDefaults()
	ac := &AsyncPoolCommand{
		reg: reg,
		vc:  viperutil.NewViperConfig(reg),
		lg:  servenv.NewLogger(reg),
		driver: viperutil.Configure(reg, asyncpool.OptDriver, viperutil.Options[string]{
			Default:  defaults.Driver,
			FlagName: asyncpool.OptDriver,
		}),
		host: viperutil.Configure(reg, asyncpool.OptHost, viperutil.Options[string]{
			FlagName: asyncpool.OptHost,
		}),
		port: viperutil.Configure(reg, asyncpool.OptPort, viperutil.Options[int]{
			FlagName: asyncpool.OptPort,
		}),
		user: viperutil.Configure(reg, asyncpool.OptUser, viperutil.Options[string]{
			FlagName: asyncpool.OptUser,
		}),
		password: viperutil.Configure(reg, asyncpool.OptPassword, viperutil.Options[string]{
			EnvVars: []string{"PGPASSWORD", "MYSQL_PWD"},
		}),
		database: viperutil.Configure(reg, asyncpool.OptDatabase, viperutil.Options[string]{
			FlagName: asyncpool.OptDatabase,
		}),
		socket: viperutil.Configure(reg, asyncpool.OptSocket, viperutil.Options[string]{
			FlagName: asyncpool.OptSocket,
		}),
		charset: viperutil.Configure(reg, asyncpool.OptCharset, viperutil.Options[string]{
			FlagName: asyncpool.OptCharset,
		}),
		compress: viperutil.Configure(reg, asyncpool.OptCompress, viperutil.Options[bool]{
			FlagName: asyncpool.OptCompress,
		}),
		idleTimeout: viperutil.Configure(reg, asyncpool.OptIdleTimeout, viperutil.Options[time.Duration]{
			FlagName: asyncpool.OptIdleTimeout,
		}),
		poolSize: viperutil.Configure(reg, asyncpool.OptPoolSize, viperutil.Options[int]{
			Default:  defaults.PoolSize,
			FlagName: asyncpool.OptPoolSize,
		}),
		logging: viperutil.Configure(reg, asyncpool.OptLogging, viperutil.Options[bool]{
			Default:  defaults.Logging,
			FlagName: "query-logging",
		}),
		connectTimeout: viperutil.Configure(reg, asyncpool.OptConnectTimeout, viperutil.Options[time.Duration]{
			Default:  defaults.ConnectTimeout,
			FlagName: asyncpool.OptConnectTimeout,
		}),
		reconnectDelay: viperutil.Configure(reg, asyncpool.OptReconnectDelay, viperutil.Options[time.Duration]{
			Default:  defaults.ReconnectDelay,
			FlagName: asyncpool.OptReconnectDelay,
		}),
		maxDeadlockRetries: viperutil.Configure(reg, asyncpool.OptMaxDeadlockRetries, viperutil.Options[int]{
			Default:  defaults.MaxDeadlockRetries,
			FlagName: asyncpool.OptMaxDeadlockRetries,
		}),
		timeout: viperutil.Configure(reg, "timeout", viperutil.Options[time.Duration]{
			Default:  30 * time.Second,
			FlagName: "timeout",
		}),
	}

	root := &cobra.Command{
		Use:   "asyncpool",
		Short: "Run queries through an asynchronous connection pool",
		Long: `asyncpool drives a pool of database connections from a single event loop.

Queries are spread round robin over the pool, wait in a shared backlog while
every connection is busy, are retried after deadlocks and survive lost
connections.

Configuration:
  Settings come from flags, ASYNCPOOL_* environment variables, or a config
  file named 'asyncpool' (.yaml, .yml, .json, .toml) found in --config-path.
  The password is read from the config file, ASYNCPOOL_PASSWORD, PGPASSWORD
  or MYSQL_PWD, never from a flag.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Flag errors have already been reported with usage by now.
			cmd.SilenceUsage = true

			if err := ac.vc.LoadConfig(ac.reg); err != nil {
				return err
			}
			_, err := ac.lg.SetupLogging()
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ac.lg.Close()
		},
	}

	fs := root.PersistentFlags()
	fs.String(asyncpool.OptDriver, ac.driver.Default(), "Database driver (mysql, postgres, sqlite3)")
	fs.StringP(asyncpool.OptHost, "H", ac.host.Default(), "Database host")
	fs.IntP(asyncpool.OptPort, "P", ac.port.Default(), "Database port (0 uses the driver default)")
	fs.StringP(asyncpool.OptUser, "u", ac.user.Default(), "Database user")
	fs.StringP(asyncpool.OptDatabase, "D", ac.database.Default(), "Database name, or file for sqlite3")
	fs.String(asyncpool.OptSocket, ac.socket.Default(), "Unix socket path, used instead of host and port")
	fs.String(asyncpool.OptCharset, ac.charset.Default(), "Connection character set")
	fs.Bool(asyncpool.OptCompress, ac.compress.Default(), "Request protocol compression")
	fs.Duration(asyncpool.OptIdleTimeout, ac.idleTimeout.Default(), "Server side idle timeout")
	fs.IntP(asyncpool.OptPoolSize, "n", ac.poolSize.Default(), "Number of connections")
	fs.Bool("query-logging", ac.logging.Default(), "Log every query sent and completed")
	fs.Duration(asyncpool.OptConnectTimeout, ac.connectTimeout.Default(), "Timeout for opening a connection")
	fs.Duration(asyncpool.OptReconnectDelay, ac.reconnectDelay.Default(), "Delay before retrying a failed connect")
	fs.Int(asyncpool.OptMaxDeadlockRetries, ac.maxDeadlockRetries.Default(), "Deadlock retries per query (0 retries forever)")
	fs.DurationP("timeout", "t", ac.timeout.Default(), "Time to wait for all results")
	ac.vc.RegisterFlags(fs)
	ac.lg.RegisterFlags(fs)

	viperutil.BindFlags(fs,
		ac.driver,
		ac.host,
		ac.port,
		ac.user,
		ac.database,
		ac.socket,
		ac.charset,
		ac.compress,
		ac.idleTimeout,
		ac.poolSize,
		ac.logging,
		ac.connectTimeout,
		ac.reconnectDelay,
		ac.maxDeadlockRetries,
		ac.timeout,
	)

	// Add all subcommands
	AddQueryCommand(root, ac)
	AddAllCommand(root, ac)
	AddLoadCommand(root, ac)
	AddSettingsCommand(root, ac)

	return root, ac
}

// overrides returns the pool settings overrides from the configured values.
func (ac *AsyncPoolCommand) overrides() asyncpool.Options {
	return asyncpool.Options{
		asyncpool.OptDriver:             ac.driver.Get(),
		asyncpool.OptHost:               ac.host.Get(),
		asyncpool.OptPort:               ac.port.Get(),
		asyncpool.OptUser:               ac.user.Get(),
		asyncpool.OptPassword:           ac.password.Get(),
		asyncpool.OptDatabase:           ac.database.Get(),
		asyncpool.OptSocket:             ac.socket.Get(),
		asyncpool.OptCharset:            ac.charset.Get(),
		asyncpool.OptCompress:           ac.compress.Get(),
		asyncpool.OptIdleTimeout:        ac.idleTimeout.Get(),
		asyncpool.OptPoolSize:           ac.poolSize.Get(),
		asyncpool.OptLogging:            ac.logging.Get(),
		asyncpool.OptConnectTimeout:     ac.connectTimeout.Get(),
		asyncpool.OptReconnectDelay:     ac.reconnectDelay.Get(),
		asyncpool.OptMaxDeadlockRetries: ac.maxDeadlockRetries.Get(),
	}
}
