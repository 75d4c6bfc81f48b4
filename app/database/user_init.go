package database

import (
	"errors"
	"fmt"

	"avatar-studio/app/config"
	"avatar-studio/app/logger"
	"avatar-studio/app/model"
	"avatar-studio/app/utils"

	"gorm.io/gorm"
)

// InitAdminUser 按配置创建或同步管理员账户；未配置时跳过，仅可通过注册接口创建用户
func InitAdminUser(db *gorm.DB, cfg *config.Config, log *logger.Logger) error {
	if cfg.Server.Username == "" || cfg.Server.Password == "" {
		log.Warn("配置文件中未设置管理员账户，跳过初始化")
		return nil
	}

	var existingAdmin model.User
	err := db.Where("is_admin = ?", true).First(&existingAdmin).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("查询管理员失败: %w", err)
	}

	if err == nil {
		needUpdate := false

		if existingAdmin.Username != cfg.Server.Username {
			var conflictUser model.User
			if db.Where("username = ? AND id != ?", cfg.Server.Username, existingAdmin.ID).First(&conflictUser).Error == nil {
				return fmt.Errorf("用户名 '%s' 已被其他用户使用，无法更新管理员用户名", cfg.Server.Username)
			}

			log.Infof("管理员用户名从 '%s' 更新为 '%s'", existingAdmin.Username, cfg.Server.Username)
			existingAdmin.Username = cfg.Server.Username
			needUpdate = true
		}

		if !utils.VerifyPassword(cfg.Server.Password, existingAdmin.Password) {
			hash, err := utils.HashPassword(cfg.Server.Password)
			if err != nil {
				return fmt.Errorf("哈希密码失败: %w", err)
			}
			existingAdmin.Password = hash
			needUpdate = true
			log.Infof("管理员 '%s' 密码已更新", cfg.Server.Username)
		}

		if !needUpdate {
			return nil
		}
		if err := db.Save(&existingAdmin).Error; err != nil {
			return fmt.Errorf("更新管理员账户失败: %w", err)
		}
		return nil
	}

	hashedPassword, err := utils.HashPassword(cfg.Server.Password)
	if err != nil {
		return fmt.Errorf("哈希密码失败: %w", err)
	}

	adminUser := model.User{
		Username: cfg.Server.Username,
		Password: hashedPassword,
		IsActive: true,
		IsAdmin:  true,
	}
	if err := db.Create(&adminUser).Error; err != nil {
		return fmt.Errorf("创建管理员账户失败: %w", err)
	}

	log.Infof("管理员账户 '%s' 创建成功", cfg.Server.Username)
	return nil
}
