package database

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"camguard-backend/internal/config"
)

// DB is the global database instance
var DB *gorm.DB

// InitDatabase initializes the database connection. Postgres in production;
// DB_DRIVER=sqlite gives a file-backed database for local runs.
func InitDatabase() error {
	driver := config.GetEnv("DB_DRIVER", "postgres")

	var err error
	switch driver {
	case "sqlite":
		path := config.GetEnv("DB_PATH", "camguard.db")
		DB, err = gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
	default:
		host := config.GetEnv("DB_HOST", "localhost")
		port := config.GetEnv("DB_PORT", "5432")
		user := config.GetEnv("DB_USER", "camguard")
		password := os.Getenv("DB_PASSWORD")
		dbname := config.GetEnv("DB_NAME", "camguard")

		sslMode := config.GetEnv("DB_SSLMODE", "require")
		if os.Getenv("DB_SSLMODE") == "" && (os.Getenv("ENVIRONMENT") == "development" || os.Getenv("ENVIRONMENT") == "dev") {
			sslMode = "disable"
			log.Warn("⚠️  Database SSL disabled for development environment")
		}

		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			host, user, password, dbname, port, sslMode)
		DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("✅ Database connected successfully")
	return nil
}

// RunMigrations runs all database migrations
func RunMigrations(models ...interface{}) error {
	if DB == nil {
		log.Warn("⚠️  Skipping migrations: no database connection")
		return nil
	}

	log.Info("Running database migrations...")
	if err := DB.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("✅ Database migrations completed")
	return nil
}
