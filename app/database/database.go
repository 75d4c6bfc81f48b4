package database

import (
	"fmt"
	"os"
	"path/filepath"

	"avatar-studio/app/config"
	"avatar-studio/app/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB 全局数据库实例
var DB *gorm.DB

// Init 打开 sqlite 数据库，迁移表结构并同步管理员账户
func Init(cfg *config.Config, log *logger.Logger) (*gorm.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "data/avatar-studio.db"
	}
	if dbPath != ":memory:" {
		if err := ensureDir(filepath.Dir(dbPath)); err != nil {
			log.Errorf("创建数据库目录失败: %v", err)
			return nil, err
		}
	}

	db, err := Open(dbPath, cfg.Log.Level == "debug")
	if err != nil {
		log.Errorf("连接数据库失败: %v", err)
		return nil, err
	}

	DB = db
	log.Infof("数据库连接成功: %s", dbPath)

	if err := AutoMigrate(db); err != nil {
		log.Errorf("迁移表结构失败: %v", err)
		return nil, err
	}

	if err := InitAdminUser(db, cfg, log); err != nil {
		log.Errorf("初始化管理员账户失败: %v", err)
		return nil, err
	}

	return db, nil
}

// Open 打开数据库连接，不做迁移
func Open(dsn string, verbose bool) (*gorm.DB, error) {
	level := gormlogger.Silent
	if verbose {
		level = gormlogger.Info
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库 %s 失败: %w", dsn, err)
	}

	// sqlite 单连接写入，避免 database is locked
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Close 关闭数据库连接
func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// ensureDir 确保目录存在
func ensureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
