package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/moltbunker/escrowd/internal/client"
	"github.com/moltbunker/escrowd/pkg/types"
	"github.com/spf13/cobra"
)

// NewLoginCmd exchanges a signed challenge for a session token.
func NewLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign a challenge and print a session token",
		Long: `Request a challenge from the daemon, sign it with the keystore wallet and
print the resulting session token. Export it as ESCROWD_TOKEN to reuse the
session without unlocking the wallet for every command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, password, err := unlockWallet()
			if err != nil {
				return err
			}
			defer wallet.ClearCachedKey()

			c := client.NewAPIClient(GetAPIEndpoint())
			ctx, cancel := commandContext()
			defer cancel()

			var resp *types.AuthVerifyResponse
			err = WithSpinner("Signing in...", func() error {
				challenge, err := c.RequestChallenge(ctx, wallet.Address())
				if err != nil {
					return err
				}
				sig, err := wallet.SignMessage(challenge.Message, password)
				if err != nil {
					return err
				}
				resp, err = c.VerifyChallenge(ctx, &types.AuthVerifyRequest{
					Address:   wallet.Address().Hex(),
					Message:   challenge.Message,
					Signature: hexutil.Encode(sig),
				})
				return err
			})
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(resp)
			}
			Success(fmt.Sprintf("Signed in as %s (expires in %ds)", resp.Wallet, resp.ExpiresIn))
			fmt.Printf("export %s=%s\n", TokenEnv, resp.AccessToken)
			return nil
		},
	}
}

// NewAPIKeyCmd manages daemon API keys. Requires admin.
func NewAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "api-key",
		Aliases: []string{"api-keys"},
		Short:   "Manage daemon API keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			keys, err := c.ListAPIKeys(ctx)
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(keys)
			}
			if len(keys) == 0 {
				Info("No API keys.")
				return nil
			}
			fmt.Print(apiKeysTable(keys))
			return nil
		},
	})

	var address, perms string
	var days int
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key",
		Long: `Create an API key bound to an address. Requests made with the key act as
that address. The key is shown once.

Examples:
  escrowctl api-key create router --address 0xabc... --permissions read,write`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress("address", address); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			resp, err := c.CreateAPIKey(ctx, &types.CreateAPIKeyRequest{
				Name:          args[0],
				Address:       address,
				Permissions:   splitList(perms),
				ExpiresInDays: days,
			})
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(resp)
			}
			Success("API key created")
			fmt.Println(StatusBox("API key "+args[0], [][2]string{
				{"ID", resp.ID},
				{"Key", resp.Key},
			}))
			Warning("Store the key now. It cannot be shown again.")
			return nil
		},
	}
	create.Flags().StringVar(&address, "address", "", "Address the key acts as")
	create.Flags().StringVar(&perms, "permissions", "read", "Comma-separated permissions: read, write, admin")
	create.Flags().IntVar(&days, "expires-in-days", 0, "Expiry in days (0: server default)")
	_ = create.MarkFlagRequired("address")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Disable an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			if err := c.RevokeAPIKey(ctx, args[0]); err != nil {
				return err
			}
			Success("API key " + args[0] + " revoked")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirm("Delete API key", args[0]); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			if err := c.DeleteAPIKey(ctx, args[0]); err != nil {
				return err
			}
			Success("API key " + args[0] + " deleted")
			return nil
		},
	})

	return cmd
}

func apiKeysTable(keys []client.APIKeyInfo) string {
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		state := "enabled"
		if !k.Enabled {
			state = "revoked"
		}
		expires := "never"
		if !k.ExpiresAt.IsZero() {
			expires = k.ExpiresAt.Format("2006-01-02")
		}
		rows = append(rows, []string{
			k.ID,
			k.Name,
			FormatAddress(k.Address),
			k.KeyPrefix + "...",
			strings.Join(k.Permissions, ","),
			state,
			expires,
		})
	}
	return RenderTable([]string{"ID", "NAME", "ADDRESS", "KEY", "PERMISSIONS", "STATE", "EXPIRES"}, rows)
}

// NewVaultCmd drives the in-memory custody vault of a development daemon.
func NewVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Fund and inspect in-memory custody (memory mode only)",
		Long: `Mint test balances, approve the escrow and inspect holdings on a daemon
running with in-memory custody. Chain mode daemons reject these commands.`,
	}

	var asset, amount string
	mint := &cobra.Command{
		Use:   "mint <holder>",
		Short: "Credit a holder with test funds (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress("holder", args[0]); err != nil {
				return err
			}
			if err := checkAsset(asset); err != nil {
				return err
			}
			units, err := parseAmountArg(amount)
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			resp, err := c.VaultMint(ctx, &types.VaultMintRequest{Asset: asset, Holder: args[0], Amount: units})
			if err != nil {
				return err
			}
			return printHoldings(resp)
		},
	}
	mint.Flags().StringVar(&asset, "asset", "native", "Asset address or 'native'")
	mint.Flags().StringVar(&amount, "amount", "", "Amount to mint")
	_ = mint.MarkFlagRequired("amount")
	cmd.AddCommand(mint)

	var approveAsset, approveAmount string
	approve := &cobra.Command{
		Use:   "approve",
		Short: "Allow the escrow to pull the caller's funds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAsset(approveAsset); err != nil {
				return err
			}
			units, err := parseAmountArg(approveAmount)
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			resp, err := c.VaultApprove(ctx, &types.VaultApproveRequest{Asset: approveAsset, Amount: units})
			if err != nil {
				return err
			}
			return printAmount("Allowance set", resp)
		},
	}
	approve.Flags().StringVar(&approveAsset, "asset", "", "Token address")
	approve.Flags().StringVar(&approveAmount, "amount", "", "Allowance")
	_ = approve.MarkFlagRequired("asset")
	_ = approve.MarkFlagRequired("amount")
	cmd.AddCommand(approve)

	cmd.AddCommand(&cobra.Command{
		Use:   "holdings <holder>",
		Short: "Show a holder's custody balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress("holder", args[0]); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			resp, err := c.VaultHoldings(ctx, common.HexToAddress(args[0]))
			if err != nil {
				return err
			}
			return printHoldings(resp)
		},
	})

	return cmd
}

func printHoldings(h *types.HoldingsResponse) error {
	if OutputFormat == "json" {
		return printJSON(h)
	}
	assets := make([]string, 0, len(h.Balances))
	for a := range h.Balances {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	rows := make([][]string, 0, len(assets))
	for _, a := range assets {
		rows = append(rows, []string{a, FormatUnits(h.Balances[a])})
	}
	fmt.Println(StyleHeader.Render("Holdings of " + h.Holder))
	fmt.Print(RenderTable([]string{"ASSET", "BALANCE"}, rows))
	return nil
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
