package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/servitor-dev/servitor/internal/common/config"
)

// Open builds a Pool for the configured database backend.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(
			sqlx.NewDb(writer, DriverSQLite),
			sqlx.NewDb(reader, DriverSQLite),
		), nil

	case DriverPostgres:
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, DriverPostgres)
		return NewPool(shared, shared), nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
