package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/routeops-platform/api/internal/auth"
	"github.com/routeops-platform/api/internal/store"
)

func main() {
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	email := envOrDefault("SEED_ADMIN_EMAIL", "admin@local.routeops")
	password := envOrDefault("SEED_ADMIN_PASSWORD", "Admin12345!")
	fullName := envOrDefault("SEED_ADMIN_NAME", "Local Admin")
	tenantSlug := envOrDefault("SEED_TENANT_SLUG", "local-dev")
	tenantName := envOrDefault("SEED_TENANT_NAME", "Local Dev Tenant")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)

	tenantID, err := st.CreateTenant(ctx, tenantSlug, tenantName)
	if err != nil {
		log.Fatalf("upsert tenant: %v", err)
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	userID, err := st.CreateUser(ctx, tenantID, email, fullName, passwordHash)
	if err != nil {
		log.Fatalf("upsert user: %v", err)
	}

	permissions := []string{
		"imports.read",
		"imports.write",
	}
	for _, perm := range permissions {
		if err := st.GrantPermission(ctx, tenantID, userID, perm); err != nil {
			log.Fatalf("grant permission %s: %v", perm, err)
		}
	}

	fmt.Printf("Seed completed. Tenant=%s, admin=%s, password=%s\n", tenantSlug, email, password)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
