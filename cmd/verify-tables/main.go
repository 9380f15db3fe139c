package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// VerificationResult stores test results
type VerificationResult struct {
	Table   string
	Status  string
	Details string
}

var tables = []string{
	"readers",
	"nonces",
	"cards",
	"tariffs",
	"decisions",
	"vdf_links",
	"anchors",
	"quarantines",
	"challenges",
	"peer_votes",
	"tag_suspicions",
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        HTMS Backend - Postgres Table Verification            ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("❌ DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("❌ Failed to open Postgres connection: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("❌ Failed to reach Postgres: %v", err)
	}

	fmt.Println("Testing tables...")
	fmt.Println()

	results := make([]VerificationResult, 0, len(tables))
	for _, table := range tables {
		result := testTable(db, table)
		results = append(results, result)
		printResult(result)
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	passed := 0
	failed := 0
	for _, r := range results {
		if r.Status == "✅ PASS" {
			passed++
		} else {
			failed++
		}
	}
	fmt.Printf("Results: %d PASSED, %d FAILED\n", passed, failed)
	fmt.Println("═══════════════════════════════════════════════════════════════")
	if failed > 0 {
		os.Exit(1)
	}
}

func printResult(r VerificationResult) {
	fmt.Printf("  %-25s %s  %s\n", r.Table, r.Status, r.Details)
}

func testTable(db *sql.DB, table string) VerificationResult {
	var count int
	// Table names come from the fixed list above, never user input.
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		return VerificationResult{table, "❌ FAIL", err.Error()}
	}
	return VerificationResult{table, "✅ PASS", fmt.Sprintf("%d rows", count)}
}
