// Copyright 2025 The Arena Authors
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

package main

import (
	"database/sql"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // Blank import to register SQL driver
	"github.com/sportselo/arena/migrate"
	"github.com/sportselo/arena/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)
	rand.Seed(time.Now().UnixNano())

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "migrate":
			migrate.Parse(os.Args[2:], tmpLogger)
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Arena starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))
	startupLogger.Info("Data directory", zap.String("path", config.GetDataDir()))
	startupLogger.Info("Database connections", zap.Strings("dsns", config.GetDatabase().Addresses))

	db, dbVersion := dbConnect(startupLogger, config)
	startupLogger.Info("Database information", zap.String("version", dbVersion))

	// Check migration status and fail fast if the schema has diverged.
	migrate.StartupCheck(startupLogger, db)

	// Start up server components.
	metrics := server.NewLocalMetrics(logger, startupLogger, config)
	var statusRegistry server.TicketStatusRegistry
	if config.GetTicketStatus().RedisUri != "" || config.GetTicketStatus().RedisAddr != "" {
		statusRegistry = server.NewRedisTicketStatusRegistry(logger, config)
	} else {
		statusRegistry = server.NewLocalTicketStatusRegistry(logger, config)
	}
	store := server.NewSQLTicketStore(logger, config, db, statusRegistry, metrics)
	matchmaker := server.NewLocalMatchmaker(logger, config, store, statusRegistry, metrics)
	apiServer := server.StartApiServer(logger, startupLogger, db, config, store, matchmaker, metrics)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c
	startupLogger.Info("Shutting down")

	// Gracefully stop server components.
	apiServer.Stop()
	matchmaker.Stop()
	statusRegistry.Stop()
	metrics.Stop(logger)

	os.Exit(0)
}

func dbConnect(multiLogger *zap.Logger, config server.Config) (*sql.DB, string) {
	rawUrl := fmt.Sprintf("postgresql://%s", config.GetDatabase().Addresses[0])
	parsedUrl, err := url.Parse(rawUrl)
	if err != nil {
		multiLogger.Fatal("Bad database connection URL", zap.Error(err))
	}
	query := parsedUrl.Query()
	if len(query.Get("sslmode")) == 0 {
		query.Set("sslmode", "disable")
		parsedUrl.RawQuery = query.Encode()
	}

	if len(parsedUrl.User.Username()) < 1 {
		parsedUrl.User = url.User("postgres")
	}
	if len(parsedUrl.Path) < 1 {
		parsedUrl.Path = "/arena"
	}

	multiLogger.Debug("Complete database connection URL", zap.String("raw_url", parsedUrl.String()))
	db, err := sql.Open("pgx", parsedUrl.String())
	if err != nil {
		multiLogger.Fatal("Error connecting to database", zap.Error(err))
	}
	err = db.Ping()
	if err != nil {
		multiLogger.Fatal("Error pinging database", zap.Error(err))
	}

	db.SetConnMaxLifetime(time.Millisecond * time.Duration(config.GetDatabase().ConnMaxLifetimeMs))
	db.SetMaxOpenConns(config.GetDatabase().MaxOpenConns)
	db.SetMaxIdleConns(config.GetDatabase().MaxIdleConns)

	var dbVersion string
	if err := db.QueryRow("SELECT version()").Scan(&dbVersion); err != nil {
		multiLogger.Fatal("Error querying database version", zap.Error(err))
	}

	return db, dbVersion
}
