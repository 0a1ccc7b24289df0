package main

import (
	"fmt"
	"os"

	"github.com/moltbunker/escrowd/cmd/escrowctl/commands"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Control an escrowd settlement ledger",
		Long:          "Deposit, settle, swap and withdraw escrowed payments through an escrowd daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&commands.APIEndpoint, "api", "", "escrowd API base URL (default: from config, else http://127.0.0.1:8080)")
	pf.StringVar(&commands.ConfigPath, "config", "", "escrowd config file used for defaults")
	pf.StringVar(&commands.APIKey, "api-key", "", "API key (or "+commands.APIKeyEnv+")")
	pf.StringVar(&commands.Token, "token", "", "Session token from 'escrowctl login' (or "+commands.TokenEnv+")")
	pf.StringVar(&commands.KeystoreDir, "keystore", "", "Keystore directory")
	pf.StringVar(&commands.WalletAddress, "wallet", "", "Keystore account to sign with (default: first)")
	pf.StringVar(&commands.PasswordFile, "password-file", "", "File holding the wallet password")
	pf.StringVar(&commands.ActAs, "as", "", "Act as this address without signing (auth-disabled daemons)")
	pf.BoolVarP(&commands.AssumeYes, "yes", "y", false, "Skip confirmation prompts")
	pf.StringVarP(&commands.OutputFormat, "output", "o", "", "Output format: json")
	pf.Int32Var(&commands.Decimals, "decimals", 0, "Display and parse amounts with this many decimals")

	root.AddCommand(
		commands.NewHealthCmd(),
		commands.NewDepositCmd(),
		commands.NewRegisterCmd(),
		commands.NewRefundCmd(),
		commands.NewWithdrawCmd(),
		commands.NewWithdrawFeesCmd(),
		commands.NewSwapCmd(),
		commands.NewFulfillAndSwapCmd(),
		commands.NewSweepCmd(),
		commands.NewFulfillerWithdrawCmd(),
		commands.NewRecordCmd(),
		commands.NewRecordsCmd(),
		commands.NewServicesCmd(),
		commands.NewBalancesCmd(),
		commands.NewEventsCmd(),
		commands.NewLoginCmd(),
		commands.NewAPIKeyCmd(),
		commands.NewVaultCmd(),
		commands.NewWalletCmd(),
		commands.NewVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
