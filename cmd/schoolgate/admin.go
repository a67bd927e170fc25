package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/schoolgate/internal/adminauth"
	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/profile"
	"github.com/alecgard/schoolgate/internal/roles"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage platform administrators",
}

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the first super admin",
	Long:  "Create the first super admin. Refuses once any administrator exists; further admins are created through the admin API.",
	RunE:  runAdminCreate,
}

var adminCreate struct {
	email    string
	name     string
	password string
}

func init() {
	adminCreateCmd.Flags().StringVar(&adminCreate.email, "email", "", "administrator email (required)")
	adminCreateCmd.Flags().StringVar(&adminCreate.name, "name", "", "display name")
	adminCreateCmd.Flags().StringVar(&adminCreate.password, "password", "", "password (default: $SCHOOLGATE_ADMIN_PASSWORD or generated)")
	_ = adminCreateCmd.MarkFlagRequired("email")
	adminCmd.AddCommand(adminCreateCmd)
	rootCmd.AddCommand(adminCmd)
}

func runAdminCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	password := adminCreate.password
	if password == "" {
		password = os.Getenv("SCHOOLGATE_ADMIN_PASSWORD")
	}
	generated := password == ""
	if generated {
		if password, err = randomPassword(); err != nil {
			return err
		}
	}

	signer := identity.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	svc := identity.NewService(pool, signer, identity.ServiceOptions{RecoveryTTL: cfg.Auth.RecoveryTTL})
	resolver := roles.NewResolver(roles.NewPGProcedures(pool, svc), roles.ParseFallbackPolicy(cfg.Roles.AdminFallback), nil)
	prov := adminauth.NewProvisioner(resolver, svc, roles.NewStore(pool), profile.NewSchoolStore(pool))

	rec, err := prov.Bootstrap(ctx, adminauth.Input{
		Email:    adminCreate.email,
		Password: password,
		Name:     adminCreate.name,
	})
	if errors.Is(err, adminauth.ErrAlreadyBootstrapped) {
		return fmt.Errorf("an administrator already exists; sign in and use POST /api/v1/admin/admins")
	}
	if err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}

	fmt.Printf("\n=== Super Admin Created ===\n")
	fmt.Printf("ID:        %s\n", rec.ID)
	fmt.Printf("Email:     %s\n", rec.Email)
	if generated {
		fmt.Printf("Password:  %s\n", password)
		fmt.Printf("\nSave this password now; it is not shown again.\n")
	}
	return nil
}

func randomPassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
