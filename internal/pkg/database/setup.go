package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the global database handle set up by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// Models lists every table owned by the engine, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.Payment{},
		&models.Refund{},
		&models.PaymentStatusChange{},
		&models.WebhookSubscriber{},
		&models.WebhookEvent{},
		&models.WebhookDelivery{},
		&models.DeliveryAttempt{},
		&models.InboundEvent{},
	}
}

func SetupDatabase() {
	var err error
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,   // data source name
			DefaultStringSize:         256,   // default size for string fields
			DisableDatetimePrecision:  false, // lease and backoff timestamps need sub-second precision
			DontSupportRenameIndex:    true,  // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
			DontSupportRenameColumn:   true,  // `change` when rename column, rename column not supported before MySQL 8, MariaDB
			SkipInitializeWithVersion: false, // auto configure based on currently MySQL version
		}), &gorm.Config{
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			if sqlDB, dbErr := DB.DB(); dbErr == nil {
				sqlDB.SetMaxOpenConns(env.GetEnvInt("DB_MAX_OPEN_CONNS", 25))
				sqlDB.SetMaxIdleConns(env.GetEnvInt("DB_MAX_IDLE_CONNS", 10))
				sqlDB.SetConnMaxLifetime(30 * time.Minute)
			}
			if env.IsDev() {
				if mErr := DB.AutoMigrate(Models()...); mErr != nil {
					log.Errorf("[Database] AutoMigrate failed: %v", mErr)
				}
			}
			log.Info("[Database] Connected")
			return
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %s...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
