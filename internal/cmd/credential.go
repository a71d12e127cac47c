package cmd

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	credentialUser     string
	credentialNetwork  string
	credentialKeyStdin bool
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage custodial payment credentials",
	Long: `Manage the custodial credentials the gateway pays with on a user's behalf.

Private keys are encrypted with AES-256-GCM under a key derived with argon2id
from a master secret kept in the OS keyring.`,
}

var credentialImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a private key for a user",
	Long: `Import a private key as the custodial credential of a user. An existing
credential is replaced.

EVM keys are hex (with or without 0x). Solana keys are base58, hex or a JSON
byte array.

Example:
  x402-gateway credential import --user alice --network eip155:84532`,
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := readPrivateKey(credentialKeyStdin)
		if err != nil {
			return err
		}

		db, repo, err := openCredentials(config, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		cred, err := repo.Save(context.Background(), credentialUser, credentialNetwork, privateKey)
		if err != nil {
			return fmt.Errorf("failed to import credential: %w", err)
		}

		fmt.Println("Credential imported")
		fmt.Printf("User:     %s\n", cred.UserID)
		fmt.Printf("Network:  %s\n", cred.Network)
		fmt.Printf("Address:  %s\n", cred.OperatorAccountID)
		return nil
	},
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the credential of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, repo, err := openCredentials(config, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := repo.Delete(context.Background(), credentialUser); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to delete credential: %w", err)
		}
		fmt.Printf("Credential of %s deleted\n", credentialUser)
		return nil
	},
}

// readPrivateKey prompts without echo, or reads one line from stdin when
// fromStdin is set (for scripts).
func readPrivateKey(fromStdin bool) (string, error) {
	var key string
	if fromStdin || !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read private key: %v", err)
		}
		key = strings.TrimSpace(line)
	} else {
		fmt.Print("Private key: ")
		keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read private key: %v", err)
		}
		key = strings.TrimSpace(string(keyBytes))
	}
	if key == "" {
		return "", errors.New("private key is empty")
	}
	return key, nil
}

func init() {
	credentialCmd.PersistentFlags().StringVarP(&credentialUser, "user", "u", "", "user id the credential belongs to")
	credentialCmd.MarkPersistentFlagRequired("user")

	credentialImportCmd.Flags().StringVarP(&credentialNetwork, "network", "n", "eip155:84532", "CAIP-2 network of the key")
	credentialImportCmd.Flags().BoolVar(&credentialKeyStdin, "stdin", false, "read the private key from stdin")

	credentialCmd.AddCommand(credentialImportCmd)
	credentialCmd.AddCommand(credentialDeleteCmd)
	rootCmd.AddCommand(credentialCmd)
}
