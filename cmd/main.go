package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gorm.io/gorm"

	"github.com/drift-social/Drift-server/cmd/api"
	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/config"
	"github.com/drift-social/Drift-server/db"
	"github.com/drift-social/Drift-server/service/notification"
	"github.com/drift-social/Drift-server/service/stack"
	"github.com/drift-social/Drift-server/service/tasks"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			runMigrations()
			return
		case "clear-db":
			runDatabaseClear()
			return
		default:
			log.Fatalf("Unknown command: %s", os.Args[1])
		}
	}

	startServer()
}

func openDB(cfg *config.Config) *gorm.DB {
	DB, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Database initialization error: %v", err)
	}
	return DB
}

func closeDB(DB *gorm.DB) {
	sqlDB, _ := DB.DB()
	sqlDB.Close()
	log.Println("Database connection closed")
}

// migrationOrder lists every table, parents before children.
var migrationOrder = []struct {
	model any
	name  string
}{
	{&models.User{}, "User"},
	{&models.Block{}, "Block"},
	{&models.Device{}, "Device"},
	{&models.PasswordResetToken{}, "PasswordResetToken"},
	{&models.Post{}, "Post"},
	{&models.Chapter{}, "Chapter"},
	{&models.Comment{}, "Comment"},
	{&models.Stack{}, "Stack"},
	{&models.StackPost{}, "StackPost"},
	{&models.Vote{}, "Vote"},
	{&models.Subscription{}, "Subscription"},
	{&models.Notification{}, "Notification"},
	{&models.Flag{}, "Flag"},
}

func runMigrations() {
	cfg := config.Load()
	DB := openDB(cfg)
	defer closeDB(DB)
	log.Println("Connected to the database for migrations")

	if err := performMigrations(DB); err != nil {
		log.Fatalf("Migration error: %v", err)
	}
	log.Println("Migrations completed successfully")
}

func performMigrations(DB *gorm.DB) error {
	log.Println("Starting database migrations...")
	for _, m := range migrationOrder {
		log.Printf("Migrating %s table...", m.name)
		if err := DB.AutoMigrate(m.model); err != nil {
			return fmt.Errorf("error migrating %s table: %w", m.name, err)
		}
	}
	log.Println("All migrations completed successfully")
	return nil
}

func startServer() {
	cfg := config.Load()
	DB := openDB(cfg)
	defer closeDB(DB)
	log.Println("Connected to the database")

	dispatcher := tasks.NewDispatcher(cfg.TaskWorkers, 256)
	defer dispatcher.Close()

	agg := notification.NewAggregator(DB, dispatcher)
	engine := stack.NewEngine(DB, cfg)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go engine.RunSweeper(sweepCtx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := api.NewApiServer(":"+cfg.ServerPort, DB, cfg, engine, agg)
	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()
	log.Printf("Server running on port %s", cfg.ServerPort)

	<-quit
	log.Println("Shutting down server...")
}

func runDatabaseClear() {
	cfg := config.Load()
	DB := openDB(cfg)
	defer closeDB(DB)

	var confirmation string
	fmt.Print("Are you sure you want to clear the database? (yes/no): ")
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		log.Println("Database clearing cancelled.")
		return
	}

	log.Println("Dropping tables...")
	// Children first so foreign keys do not get in the way.
	for i := len(migrationOrder) - 1; i >= 0; i-- {
		m := migrationOrder[i]
		if err := DB.Migrator().DropTable(m.model); err != nil {
			log.Printf("Warning dropping table %s: %v", m.name, err)
		} else {
			log.Printf("Table %s dropped", m.name)
		}
	}
	log.Println("Database cleared successfully")
}
