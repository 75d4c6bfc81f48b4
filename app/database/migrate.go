package database

import (
	"avatar-studio/app/model"

	"gorm.io/gorm"
)

// AutoMigrate 迁移用户、讲稿和视频任务表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Script{},
		&model.VideoJob{},
	)
}
