package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kdimtricp/imgcaption/internal/models"
)

type DB struct {
	conn   *sql.DB
	gorm   *gorm.DB
	dbType string
	log    *zap.Logger
}

type Config struct {
	Type       string `mapstructure:"type"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Name       string `mapstructure:"name"`
	SQLitePath string `mapstructure:"path"`
}

func (c Config) DSN() string {
	if c.Type == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Name)
	}
	return c.SQLitePath
}

func NewDB(config Config, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var (
		conn      *sql.DB
		dialector gorm.Dialector
		err       error
	)

	switch config.Type {
	case "sqlite":
		conn, err = sql.Open("sqlite3", config.SQLitePath+"?_foreign_keys=on&_busy_timeout=5000")
		if err == nil {
			// one writer keeps SQLite from returning SQLITE_BUSY under concurrent curation
			conn.SetMaxOpenConns(1)
			dialector = sqlite.New(sqlite.Config{DriverName: "sqlite3", Conn: conn})
		}
	case "postgres":
		conn, err = sql.Open("pgx", config.DSN())
		if err == nil {
			dialector = postgres.New(postgres.Config{Conn: conn})
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log.Named("gorm"), 200*time.Millisecond),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	db := &DB{conn: conn, gorm: gdb, dbType: config.Type, log: log}

	// Only create tables for SQLite, PostgreSQL schema comes from migrations
	if config.Type == "sqlite" {
		if err := db.createTables(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return db, nil
}

func (db *DB) createTables() error {
	return db.gorm.AutoMigrate(&models.LabeledImage{})
}

// RunMigrations applies pending SQL migrations from migrationsPath.
// It is a no-op for SQLite.
func (db *DB) RunMigrations(migrationsPath string) error {
	return NewMigrator(db.conn, db.dbType).WithLogger(db.log.Named("migrator")).Run(migrationsPath)
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) GORM() *gorm.DB {
	return db.gorm
}

func (db *DB) Type() string {
	return db.dbType
}
