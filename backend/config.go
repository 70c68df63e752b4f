package backend

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	pipingbag "github.com/draew6/piping-bag"
)

// Config describes how to reach a database.
//
// Example:
//
//	dialect: postgres
//	host: localhost
//	port: "5432"
//	name: app
//	user: app
//	password: ${DB_PASSWORD}
//	schema: tenant_a
//	slow_query: 200ms
type Config struct {
	Dialect  string            `yaml:"dialect"`
	Host     string            `yaml:"host"`
	Port     string            `yaml:"port"`
	Name     string            `yaml:"name"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Path     string            `yaml:"path"` // SQLite file
	Params   map[string]string `yaml:"params"`
	// Schema qualifies table references of statements sent through Queries.
	Schema    string        `yaml:"schema"`
	SlowQuery time.Duration `yaml:"slow_query"`
}

// LoadConfig reads a YAML config file. ${VAR} references are expanded from
// the environment before parsing.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("backend: read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses YAML config bytes, expanding ${VAR} references.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return Config{}, fmt.Errorf("backend: parse config: %w", err)
	}
	if _, err := pipingbag.ParseDialect(cfg.Dialect); err != nil {
		return Config{}, fmt.Errorf("backend: parse config: %w", err)
	}
	return cfg, nil
}

// DSN builds the driver connection string for the configured dialect.
func (c Config) DSN() (string, error) {
	d, err := pipingbag.ParseDialect(c.Dialect)
	if err != nil {
		return "", err
	}
	switch d {
	case pipingbag.Postgres:
		u := url.URL{
			Scheme: "postgresql",
			Host:   c.addr("5432"),
			Path:   "/" + c.Name,
		}
		if c.User != "" {
			u.User = url.UserPassword(c.User, c.Password)
		}
		if len(c.Params) > 0 {
			q := url.Values{}
			for k, v := range c.Params {
				q.Set(k, v)
			}
			u.RawQuery = q.Encode()
		}
		return u.String(), nil
	case pipingbag.MySQL:
		return mysqlDSN(c), nil
	case pipingbag.SQLite:
		if c.Path == "" {
			return "", fmt.Errorf("backend: sqlite config requires a path")
		}
		if len(c.Params) == 0 {
			return c.Path, nil
		}
		q := url.Values{}
		for k, v := range c.Params {
			q.Set(k, v)
		}
		return c.Path + "?" + q.Encode(), nil
	}
	return "", fmt.Errorf("backend: dialect %s has no driver", d)
}

// Open returns the backend described by c.
func Open(c Config, opts ...Option) (*SQL, error) {
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}
	if c.SlowQuery > 0 {
		opts = append([]Option{WithSlowQuery(c.SlowQuery)}, opts...)
	}
	d, _ := pipingbag.ParseDialect(c.Dialect)
	switch d {
	case pipingbag.Postgres:
		return NewPostgres(dsn, opts...), nil
	case pipingbag.MySQL:
		return NewMySQL(dsn, opts...), nil
	default:
		return NewSQLite(dsn, opts...), nil
	}
}

func (c Config) addr(defaultPort string) string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}

// OpenQueries opens the backend described by c and wraps it in a Queries
// using c.Schema. logger may be nil.
func OpenQueries(c Config, logger *slog.Logger) (*pipingbag.Queries, error) {
	db, err := Open(c, WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return pipingbag.NewQueries(db, c.Schema, pipingbag.WithLogger(logger)), nil
}
