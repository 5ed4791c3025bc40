// This file is used to run database migrations
// How to run:
// go run cmd/migrate/main.go        # Migrate the schema using env var settings
// go run cmd/migrate/main.go -host localhost -name crmbatch
package main

import (
	"flag"
	"log"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/macrea/crmbatch/internal/config"
	"github.com/macrea/crmbatch/internal/db"
)

func main() {
	// Load .env file; migrations can also run from plain env vars
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	var (
		host     = flag.String("host", config.GetEnv("DB_HOST", db.DefaultHost), "Database host")
		port     = flag.Int("port", config.GetEnvInt("DB_PORT", db.DefaultPort), "Database port")
		user     = flag.String("user", config.GetEnv("DB_USER", db.DefaultUser), "Database user")
		password = flag.String("password", config.GetEnv("DB_PASSWORD", db.DefaultPassword), "Database password")
		name     = flag.String("name", config.GetEnv("DB_NAME", db.DefaultDBName), "Database name")
		sslMode  = flag.String("ssl-mode", config.GetEnv("DB_SSL_MODE", "disable"), "Database SSL mode")
	)
	flag.Parse()

	// db.New runs the schema migration as part of connecting
	_, err := db.New(db.Options{
		Host:     *host,
		Port:     *port,
		User:     *user,
		Password: *password,
		DBName:   *name,
		SSLMode:  *sslMode,
		LogLevel: logger.Info,
	})
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("Schema migration completed")
}
