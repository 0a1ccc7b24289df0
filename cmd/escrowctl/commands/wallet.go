package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/internal/identity"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// minPasswordLength is the shortest accepted keystore password.
const minPasswordLength = 8

// NewWalletCmd creates the wallet command group
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the signing wallet",
		Long: `Manage the Ethereum wallet that signs escrowctl requests and, in chain
custody mode, escrowd transactions.

The wallet is an encrypted keystore file (geth V3 format). These commands
operate on the keystore directly and do not need a running daemon.

The password is resolved from ESCROWD_WALLET_PASSWORD, --password-file,
the platform keyring, then the Linux kernel keyring.

Examples:
  escrowctl wallet create
  escrowctl wallet import
  escrowctl wallet address`,
	}

	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletAddressCmd())
	cmd.AddCommand(newWalletForgetPasswordCmd())

	return cmd
}

// storePasswordInKeyring saves the account's password in the first password
// store that accepts it.
func storePasswordInKeyring(account common.Address, password string) {
	if store, err := identity.SavePassword(account, password); err == nil {
		fmt.Printf("  Password saved to %s\n", store)
		return
	}

	fmt.Println("  Could not store password in any keyring.")
	fmt.Println("  For automatic wallet unlock, set one of:")
	fmt.Printf("    - %s environment variable\n", identity.PasswordEnv)
	fmt.Println("    - daemon.wallet_password_file in config.yaml")
}

// promptNewPassword reads and confirms a new password, retrying on mismatch.
func promptNewPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		password, err := readPasswordNoEcho("Enter wallet password: ")
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if len(password) < minPasswordLength {
			Warning(fmt.Sprintf("Password must be at least %d characters. Try again.", minPasswordLength))
			continue
		}

		confirm, err := readPasswordNoEcho("Confirm wallet password: ")
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		if password != confirm {
			Warning("Passwords do not match. Try again.")
			continue
		}
		return password, nil
	}
	return "", fmt.Errorf("too many failed attempts")
}

func newWalletCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new wallet",
		Long:  "Create a new Ethereum wallet with a password-encrypted keystore file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := GetKeystoreDir()
			if w, err := identity.LoadWallet(dir, ""); err == nil {
				return fmt.Errorf("wallet already exists at %s (address: %s)", dir, w.Address().Hex())
			}

			password, err := promptNewPassword()
			if err != nil {
				return err
			}

			w, err := identity.CreateWallet(dir, password)
			if err != nil {
				return fmt.Errorf("failed to create wallet: %w", err)
			}

			fmt.Println()
			Success("Wallet created!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", dir},
			}))
			storePasswordInKeyring(w.Address(), password)
			fmt.Println()
			Warning("Back up your keystore directory and remember your password.")
			return nil
		},
	}
}

func newWalletImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import a wallet from a private key",
		Long:  "Import an existing Ethereum private key into an encrypted keystore file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := GetKeystoreDir()
			if w, err := identity.LoadWallet(dir, ""); err == nil {
				return fmt.Errorf("wallet already exists at %s (address: %s)", dir, w.Address().Hex())
			}

			input, err := readPasswordNoEcho("Enter private key (hex, with or without 0x prefix): ")
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			privKeyHex := strings.TrimPrefix(strings.TrimSpace(input), "0x")
			if len(privKeyHex) != 64 {
				return fmt.Errorf("private key must be 64 hex characters (32 bytes), got %d", len(privKeyHex))
			}

			password, err := promptNewPassword()
			if err != nil {
				return err
			}

			w, err := identity.ImportWallet(dir, privKeyHex, password)
			if err != nil {
				return fmt.Errorf("failed to import wallet: %w", err)
			}

			fmt.Println()
			Success("Wallet imported!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", dir},
			}))
			storePasswordInKeyring(w.Address(), password)
			return nil
		},
	}
}

func newWalletAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Show wallet address and keystore path",
		Long:  "Display the wallet address and keystore directory. No password needed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := GetKeystoreDir()
			w, err := identity.LoadWallet(dir, WalletAddress)
			if errors.Is(err, identity.ErrNoWallet) {
				Info("No wallet found.")
				fmt.Println(Hint("Create one with: escrowctl wallet create"))
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load wallet: %w", err)
			}

			if OutputFormat == "json" {
				return printJSON(map[string]string{
					"address":  w.Address().Hex(),
					"keystore": dir,
				})
			}

			pwStatus := "not stored (manual unlock required)"
			if pw, store, _ := identity.LookupPassword(w.Address()); pw != "" {
				pwStatus = "stored in " + store
			}

			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", dir},
				{"Password", pwStatus},
			}))
			return nil
		},
	}
}

func newWalletForgetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-password",
		Short: "Remove the wallet password from the system keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := identity.LoadWallet(GetKeystoreDir(), WalletAddress)
			if err != nil {
				return fmt.Errorf("failed to load wallet: %w", err)
			}
			removed := identity.ForgetPassword(w.Address())
			if len(removed) == 0 {
				fmt.Println("No stored password found in any keyring.")
				return nil
			}
			for _, store := range removed {
				fmt.Printf("Removed password for %s from %s\n", w.Address().Hex(), store)
			}
			return nil
		},
	}
}

// readPasswordNoEcho prompts on stderr and reads a line with echo disabled.
func readPasswordNoEcho(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}
