package main

import (
	"fmt"
	"os"
	"time"

	"mailflow/backend/internal/config"
	"mailflow/backend/internal/service"
	sqlstore "mailflow/backend/internal/storage/sql"
)

// main 在数据库中创建一个 API 密钥并打印明文。
// 明文只在这里出现一次，之后无法再取回。
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: create-apikey <name> [expires-in]")
		fmt.Println("  expires-in: optional Go duration, e.g. 720h for 30 days")
		os.Exit(1)
	}

	name := os.Args[1]
	var expiresIn *time.Duration
	if len(os.Args) >= 3 {
		d, err := time.ParseDuration(os.Args[2])
		if err != nil {
			fmt.Printf("Invalid expires-in %q: %v\n", os.Args[2], err)
			os.Exit(1)
		}
		expiresIn = &d
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 内存存储里创建的密钥随进程消失，没有意义
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		fmt.Println("No database configured. Set MAILFLOW_DATABASE_TYPE and MAILFLOW_DATABASE_DSN,")
		fmt.Println("or use MAILFLOW_ADMIN_API_KEY as a bootstrap credential instead.")
		os.Exit(1)
	}

	store, err := sqlstore.NewStore(
		cfg.Database.Type,
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	svc := service.NewAPIKeyService(store)
	key, plaintext, err := svc.Create(service.CreateAPIKeyInput{
		Name:      name,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		fmt.Printf("Failed to create API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ API key created successfully!\n")
	fmt.Printf("  ID:      %s\n", key.ID)
	fmt.Printf("  Name:    %s\n", key.Name)
	fmt.Printf("  Prefix:  %s\n", key.KeyPrefix)
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Printf("  Expires: never\n")
	}
	fmt.Printf("\n  Key: %s\n", plaintext)
	fmt.Println("\nStore this key now. It cannot be retrieved again.")
}
