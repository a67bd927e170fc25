package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/schoolgate/internal/config"
	"github.com/alecgard/schoolgate/internal/profile"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo schools",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoSchools = []profile.School{
	{Code: "NORTH01", Name: "Northfield Primary", ContactInfo: "office@northfield.example"},
	{Code: "RIVER02", Name: "Riverside Academy", ContactInfo: "admin@riverside.example"},
	{Code: "HILL03", Name: "Hillcrest High", ContactInfo: "info@hillcrest.example"},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	schools := profile.NewSchoolStore(pool)

	created := 0
	for _, in := range demoSchools {
		exists, err := schools.Exists(ctx, in.Code)
		if err != nil {
			return fmt.Errorf("checking school %q: %w", in.Code, err)
		}
		if exists {
			slog.Info("school already exists, skipping", "code", in.Code)
			continue
		}
		s, err := schools.Create(ctx, in)
		if err != nil {
			return fmt.Errorf("creating school %q: %w", in.Code, err)
		}
		slog.Info("created school", "code", s.Code, "name", s.Name)
		created++
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Schools:   %d created, %d already present\n", created, len(demoSchools)-created)
	fmt.Printf("\nNext:\n")
	fmt.Printf("  schoolgate admin create --email you@example.com --super\n")
	fmt.Printf("  curl -X POST http://localhost:8080/api/v1/auth/signup -d '{\"email\":\"t@example.com\",\"password\":\"...\",\"role\":\"teacher\",\"school_code\":\"NORTH01\"}'\n")

	return nil
}
