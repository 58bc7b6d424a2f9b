package cli

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"geoattend/internal/auth"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage admin accounts",
}

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an admin account",
	Long: `Create an admin who can log in to the dashboard API.

Example:
  geoattendctl admin create --username registrar --password 'correct horse'`,
	Args: cobra.NoArgs,
	RunE: runAdminCreate,
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminCreateCmd)

	adminCreateCmd.Flags().String("username", "", "Login name (3-100 characters)")
	adminCreateCmd.Flags().String("password", "", "Password (at least 8 characters)")
	_ = adminCreateCmd.MarkFlagRequired("username")
	_ = adminCreateCmd.MarkFlagRequired("password")
}

func runAdminCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	hasher, err := auth.NewHasher(cfg.PasswordHasher)
	if err != nil {
		return err
	}
	svc := auth.NewService(auth.NewRepository(db), hasher, validator.New(), zap.NewNop(), auth.Config{
		Issuer:     cfg.JWTIssuer,
		SigningKey: cfg.JWTSigningKey,
		AccessTTL:  cfg.AccessTTL,
	})

	admin, err := svc.CreateAdmin(ctx, auth.CreateAdminRequest{
		Username: mustGetString(cmd, "username"),
		Password: mustGetString(cmd, "password"),
	})
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created admin %s (%s)\n", admin.Username, admin.ID)
	return nil
}
