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

package dbclient

import (
	"errors"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"github.com/multigres/asyncpool/go/mterrors"
)

// MySQL server and client error numbers.
const (
	erLockDeadlock    = 1213
	erServerShutdown  = 1053
	erConnKilled      = 1927
	crServerGone      = 2006
	crServerLost      = 2013
	defaultMySQLPort  = 3306
	defaultMySQLHost  = "localhost"
	defaultMySQLUser  = "root"
	mysqlWaitTimeout  = "wait_timeout"
	mysqlCharsetParam = "charset"
)

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) SupportsCompression() bool { return false }

// DSN builds a go-sql-driver DSN. Multi statements are enabled and the idle
// timeout is applied as the session wait_timeout so the server does not drop
// an idle pooled session.
func (mysqlDialect) DSN(cfg Config) (string, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	if mc.User == "" {
		mc.User = defaultMySQLUser
	}
	mc.Passwd = cfg.Password
	mc.DBName = cfg.Database
	mc.MultiStatements = true
	mc.Timeout = cfg.ConnectTimeout

	if cfg.Socket != "" {
		mc.Net = "unix"
		mc.Addr = cfg.Socket
	} else {
		host := cfg.Host
		if host == "" {
			host = defaultMySQLHost
		}
		port := cfg.Port
		if port == 0 {
			port = defaultMySQLPort
		}
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	params := make(map[string]string)
	if cfg.Charset != "" {
		params[mysqlCharsetParam] = cfg.Charset
	}
	if cfg.IdleTimeout > 0 {
		params[mysqlWaitTimeout] = strconv.Itoa(ceilSeconds(cfg.IdleTimeout))
	}
	if len(params) > 0 {
		mc.Params = params
	}

	return mc.FormatDSN(), nil
}

func (mysqlDialect) Classify(err error) (mterrors.Class, bool) {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return mterrors.TransientDisconnect, true
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case erLockDeadlock:
			return mterrors.TransientDeadlock, true
		case crServerGone, crServerLost, erServerShutdown, erConnKilled:
			return mterrors.TransientDisconnect, true
		default:
			return mterrors.Fatal, true
		}
	}

	return mterrors.Fatal, false
}
