// internal/pkg/database/database.go
package database

import (
	"time"

	sqlmysql "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Config 描述 MySQL 连接参数，由 bootstrap 的配置层填充。
type Config struct {
	User         string
	Password     string
	Host         string // "host:port"
	Name         string // 数据库名
	MaxOpenConns int
	MaxIdleConns int
}

// Open 通过 go-sql-driver 的 mysql.Config 构造 DSN 并打开 GORM 连接。
// parseTime 必须开启，否则 time.Time 字段无法扫描。
func Open(cfg Config) (*gorm.DB, error) {
	dsn := sqlmysql.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = cfg.Host
	dsn.DBName = cfg.Name
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	dsn.Params = map[string]string{"charset": "utf8mb4"}

	// TranslateError 开启后唯一索引冲突统一成 gorm.ErrDuplicatedKey，
	// 幂等台账的判重依赖这一点。
	db, err := gorm.Open(mysql.Open(dsn.FormatDSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql connection")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get underlying sql.DB")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}
