package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample users for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer db.Close()

		if clearData {
			for _, table := range []string{"audit_log", "webhook_events", "transactions", "users"} {
				if _, err := db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing data")
		}

		users := []struct {
			ID    int64
			Email string
			Name  string
			Tier  string
		}{
			{1001, "mira@mail.com", "Mira", "welcome"},
			{1002, "dimas@mail.com", "Dimas", "supporter"},
			{1003, "sari@mail.com", "Sari", "premium"},
		}

		for _, u := range users {
			var exists int
			if err := db.QueryRow("SELECT 1 FROM users WHERE email = $1", u.Email).Scan(&exists); err == nil {
				fmt.Printf("user %s already exists, skipping\n", u.Email)
				continue
			}
			if _, err := db.Exec(
				"INSERT INTO users (id, email, display_name, tier, created_at, updated_at) VALUES ($1, $2, $3, $4, now(), now())",
				u.ID, u.Email, u.Name, u.Tier); err != nil {
				log.Fatalf("failed to insert user %s: %v", u.Email, err)
			}
			fmt.Printf("Seeded user %s (%s)\n", u.Email, u.Tier)
		}
	},
}
