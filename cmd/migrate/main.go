package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	defaultConfigName = ".migrate"
	trackingTable     = "schema_migrations"
)

type migration struct {
	Version string `yaml:"version"`
	File    string `yaml:"file"`
	Applied bool   `yaml:"applied"`
}

// collect - файлы миграций по glob-шаблонам из конфига, по имени.
func collect(patterns []string) ([]migration, error) {
	seen := make(map[string]struct{})
	out := make([]migration, 0)
	for _, pattern := range patterns {
		files, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrap(err, "get file glob")
		}
		for _, f := range files {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, migration{Version: version(f), File: f})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// version: 0001_init.sql -> 0001_init
func version(file string) string {
	return strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
}

func ensureTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+trackingTable+` (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return errors.Wrap(err, "create tracking table")
}

func applied(ctx context.Context, conn *pgx.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, `SELECT version FROM `+trackingTable)
	if err != nil {
		return nil, errors.Wrap(err, "select applied")
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan version")
		}
		out[v] = true
	}
	return out, errors.Wrap(rows.Err(), "rows")
}

// apply - каждая миграция в своей транзакции вместе с записью о ней.
func apply(ctx context.Context, conn *pgx.Conn, m migration) error {
	body, err := os.ReadFile(m.File)
	if err != nil {
		return errors.Wrap(err, "read migration")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(body)); err != nil {
		return errors.Wrap(err, fmt.Sprintf("exec %s", m.File))
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+trackingTable+` (version) VALUES ($1)`, m.Version); err != nil {
		return errors.Wrap(err, "record version")
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

func main() {
	viper.SetConfigName(defaultConfigName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetDefault("source", []string{"migrations/*.sql"})
	viper.SetDefault("timeout", "1m")
	viper.SetEnvPrefix("migrate")
	viper.AutomaticEnv()
	_ = viper.BindEnv("dsn", "DATABASE_DSN", "MIGRATE_DSN")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	dsn := viper.GetString("dsn")
	if dsn == "" {
		panic("has no dsn in config (dsn / DATABASE_DSN)")
	}
	migrations, err := collect(viper.GetStringSlice("source"))
	if err != nil {
		panic(fmt.Errorf("collect migrations: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		panic(fmt.Errorf("connect: %w", err))
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if err := ensureTable(ctx, conn); err != nil {
		panic(err)
	}
	done, err := applied(ctx, conn)
	if err != nil {
		panic(err)
	}

	statusOnly := len(os.Args) > 1 && os.Args[1] == "status"
	for i := range migrations {
		m := &migrations[i]
		if done[m.Version] {
			m.Applied = true
			continue
		}
		if statusOnly {
			continue
		}
		began := time.Now()
		if err := apply(ctx, conn, *m); err != nil {
			panic(fmt.Errorf("apply %s: %w", m.Version, err))
		}
		m.Applied = true
		fmt.Printf("%s applied in %s\n", m.File, time.Since(began).Round(time.Millisecond))
	}

	bs, err := yaml.Marshal(map[string]any{"migrations": migrations})
	if err != nil {
		panic(errors.Wrap(err, "marshal status to yaml"))
	}
	fmt.Print(string(bs))
	fmt.Println("done")
}
