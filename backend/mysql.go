package backend

import (
	"github.com/go-sql-driver/mysql"

	pipingbag "github.com/draew6/piping-bag"
)

// NewMySQL returns a MySQL backend using github.com/go-sql-driver/mysql.
// Markers are rewritten to "?" and arguments repeated per occurrence.
func NewMySQL(dsn string, opts ...Option) *SQL {
	return New(pipingbag.MySQL, "mysql", dsn, opts...)
}

// mysqlDSN formats cfg with the driver's own DSN builder. Timestamps are
// parsed into time.Time.
func mysqlDSN(cfg Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = cfg.addr("3306")
	mc.DBName = cfg.Name
	mc.ParseTime = true
	if len(cfg.Params) > 0 {
		mc.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			mc.Params[k] = v
		}
	}
	return mc.FormatDSN()
}
