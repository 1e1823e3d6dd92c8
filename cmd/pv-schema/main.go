package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"wisefido-pv-ingest/common/database"
	"wisefido-pv-ingest/internal/config"
	"wisefido-pv-ingest/internal/repository"

	"go.uber.org/zap"
)

func main() {
	printOnly := flag.Bool("print", false, "Print the pv_readings DDL and exit")
	timeout := flag.Duration("timeout", 30*time.Second, "Timeout for applying the schema")
	flag.Parse()

	if *printOnly {
		fmt.Print(repository.Schema)
		return
	}

	// 加载配置（与服务相同的 .env / CONFIG_FILE / 环境变量）
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close(db)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	repo := repository.NewPVReadingsRepository(db, zap.NewNop())
	if err := repo.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("pv_readings schema applied to %s@%s:%d\n", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)
}
