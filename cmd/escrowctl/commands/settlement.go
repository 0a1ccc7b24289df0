package commands

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/pkg/types"
	"github.com/spf13/cobra"
)

// NewDepositCmd records a payer deposit. Only the router may call it.
func NewDepositCmd() *cobra.Command {
	var payer, asset, principal, fee, fiat, ref string

	cmd := &cobra.Command{
		Use:   "deposit <service-id>",
		Short: "Record a payer deposit into escrow",
		Long: `Pull principal plus fee from the payer into escrow and open a pending
fulfillment record. Only the router may deposit.

Examples:
  escrowctl deposit 1 --payer 0xabc... --asset native --principal 1000 --fee 10
  escrowctl deposit 1 --payer 0xabc... --asset 0xdef... --principal 12.5 --decimals 6`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceID, err := types.ParseServiceID(args[0])
			if err != nil {
				return err
			}
			if err := checkAddress("payer", payer); err != nil {
				return err
			}
			if err := checkAsset(asset); err != nil {
				return err
			}
			principalUnits, err := parseAmountArg(principal)
			if err != nil {
				return fmt.Errorf("principal: %w", err)
			}
			feeUnits, err := parseAmountArg(fee)
			if err != nil {
				return fmt.Errorf("fee: %w", err)
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			var resp *types.RecordResponse
			err = WithSpinner("Depositing...", func() error {
				var err error
				resp, err = c.Deposit(ctx, &types.DepositRequest{
					ServiceID:  serviceID,
					Payer:      payer,
					Asset:      asset,
					Principal:  principalUnits,
					Fee:        feeUnits,
					FiatAmount: fiat,
					ServiceRef: ref,
				})
				return err
			})
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(resp)
			}
			Success(fmt.Sprintf("Deposit recorded as record %s", resp.ID))
			fmt.Println(recordBox(resp))
			return nil
		},
	}

	cmd.Flags().StringVar(&payer, "payer", "", "Payer address")
	cmd.Flags().StringVar(&asset, "asset", "native", "Asset address or 'native'")
	cmd.Flags().StringVar(&principal, "principal", "", "Principal amount")
	cmd.Flags().StringVar(&fee, "fee", "", "Fee amount")
	cmd.Flags().StringVar(&fiat, "fiat", "", "Fiat amount for bookkeeping (e.g. 12.50)")
	cmd.Flags().StringVar(&ref, "ref", "", "Service reference")
	_ = cmd.MarkFlagRequired("payer")
	_ = cmd.MarkFlagRequired("principal")

	return cmd
}

// NewRegisterCmd settles a pending record. Only the manager may call it.
func NewRegisterCmd() *cobra.Command {
	var status, externalID, receipt string

	cmd := &cobra.Command{
		Use:   "register <service-id> <record-id>",
		Short: "Register the fulfillment outcome of a pending record",
		Long: `Settle a pending record as success or failed. A success moves the
principal into the service pool; a failure makes it refundable to the payer.

Examples:
  escrowctl register 1 7 --status success --external-id order-991
  escrowctl register 1 8 --status failed`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceID, recordID, err := parseServiceRecord(args)
			if err != nil {
				return err
			}
			st := types.RecordStatus(strings.ToLower(status))
			if st != types.RecordStatusSuccess && st != types.RecordStatusFailed {
				return fmt.Errorf("--status must be %q or %q", types.RecordStatusSuccess, types.RecordStatusFailed)
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			var resp *types.RecordResponse
			err = WithSpinner("Registering fulfillment...", func() error {
				var err error
				resp, err = c.RegisterFulfillment(ctx, &types.FulfillmentRequest{
					ServiceID:  serviceID,
					RecordID:   recordID,
					Status:     st,
					ExternalID: externalID,
					ReceiptURI: receipt,
				})
				return err
			})
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(resp)
			}
			Success(fmt.Sprintf("Record %s settled as %s", resp.ID, resp.Status))
			fmt.Println(recordBox(resp))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Outcome: success or failed")
	cmd.Flags().StringVar(&externalID, "external-id", "", "External fulfillment identifier")
	cmd.Flags().StringVar(&receipt, "receipt", "", "Receipt URI")
	_ = cmd.MarkFlagRequired("status")

	return cmd
}

// NewRefundCmd pays a failed record's refund to its payer. Router only.
func NewRefundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <service-id> <record-id>",
		Short: "Withdraw the refund of a failed record",
		Long:  "Pay the principal and fee of a failed record back to its payer. Only the router may call it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceID, recordID, err := parseServiceRecord(args)
			if err != nil {
				return err
			}
			if err := confirm("Withdraw refund", fmt.Sprintf("Record %s of service %s", recordID, serviceID)); err != nil {
				return err
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			var resp *types.AmountResponse
			err = WithSpinner("Withdrawing refund...", func() error {
				var err error
				resp, err = c.WithdrawRefund(ctx, serviceID, recordID)
				return err
			})
			if err != nil {
				return err
			}
			return printAmount("Refund withdrawn", resp)
		},
	}
}

// NewWithdrawCmd pays a service's releaseable pool to its beneficiary. Manager only.
func NewWithdrawCmd() *cobra.Command {
	var asset string

	cmd := &cobra.Command{
		Use:   "withdraw <service-id>",
		Short: "Pay the service pool to its beneficiary",
		Long:  "Pay the releaseable balance of a service to its beneficiary. Only the manager may call it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceWithdraw(args[0], asset, "Withdraw to beneficiary", "Beneficiary paid", false)
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "native", "Asset address or 'native'")
	return cmd
}

// NewWithdrawFeesCmd pays a service's accrued fees to its fulfiller.
func NewWithdrawFeesCmd() *cobra.Command {
	var asset string

	cmd := &cobra.Command{
		Use:   "withdraw-fees <service-id>",
		Short: "Withdraw accrued service fees",
		Long:  "Pay the fees accrued by a service to its fulfiller. Only the manager may call it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceWithdraw(args[0], asset, "Withdraw fees", "Fees withdrawn", true)
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "native", "Asset address or 'native'")
	return cmd
}

func runServiceWithdraw(arg, asset, action, done string, fees bool) error {
	serviceID, err := types.ParseServiceID(arg)
	if err != nil {
		return err
	}
	if err := checkAsset(asset); err != nil {
		return err
	}
	if err := confirm(action, fmt.Sprintf("Service %s, asset %s", serviceID, asset)); err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	var resp *types.AmountResponse
	err = WithSpinner(action+"...", func() error {
		var err error
		if fees {
			resp, err = c.WithdrawFees(ctx, serviceID, asset)
		} else {
			resp, err = c.BeneficiaryWithdraw(ctx, serviceID, asset)
		}
		return err
	})
	if err != nil {
		return err
	}
	return printAmount(done, resp)
}

// NewSwapCmd converts pooled service funds through an aggregator.
func NewSwapCmd() *cobra.Command {
	var (
		recordArg, from, to, amount, target, payload, minOut string
	)

	cmd := &cobra.Command{
		Use:   "swap <service-id>",
		Short: "Swap pooled service funds through an aggregator",
		Long: `Convert part of a service's releaseable pool and fees into another asset
through an aggregator contract. The proceeds are credited back to the
service and, when converting to a stable asset, swept to the fulfiller.

Without --payload the server encodes the default aggregator call.

Examples:
  escrowctl swap 1 --from native --to 0xdef... --amount 500 --target 0xagg...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceID, err := types.ParseServiceID(args[0])
			if err != nil {
				return err
			}
			req := &types.SwapRequest{
				ServiceID:   serviceID,
				FromAsset:   from,
				ToAsset:     to,
				CallTarget:  target,
				CallPayload: strings.TrimPrefix(payload, "0x"),
			}
			if recordArg != "" {
				if req.RecordID, err = types.ParseRecordID(recordArg); err != nil {
					return err
				}
			}
			if err := checkAsset(to); err != nil {
				return err
			}
			if from != "" {
				if err := checkAsset(from); err != nil {
					return err
				}
			}
			if err := checkAddress("target", target); err != nil {
				return err
			}
			if req.Amount, err = parseAmountArg(amount); err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			if req.MinAmountOut, err = parseAmountArg(minOut); err != nil {
				return fmt.Errorf("min-out: %w", err)
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			var resp *types.SwapResponse
			err = WithSpinner("Swapping...", func() error {
				var err error
				resp, err = c.Swap(ctx, req)
				return err
			})
			if err != nil {
				return err
			}
			return printSwap(resp)
		},
	}

	cmd.Flags().StringVar(&recordArg, "record", "", "Record whose asset is swapped")
	cmd.Flags().StringVar(&from, "from", "", "Source asset (default: the record's asset)")
	cmd.Flags().StringVar(&to, "to", "", "Destination asset")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount of the source asset to swap")
	cmd.Flags().StringVar(&target, "target", "", "Aggregator contract address")
	cmd.Flags().StringVar(&payload, "payload", "", "Hex calldata for the aggregator")
	cmd.Flags().StringVar(&minOut, "min-out", "", "Minimum acceptable proceeds")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

// NewFulfillAndSwapCmd settles a record as success and swaps it in one call.
func NewFulfillAndSwapCmd() *cobra.Command {
	var (
		externalID, receipt, to, amount, target, payload, minOut string
	)

	cmd := &cobra.Command{
		Use:   "fulfill-and-swap <service-id> <record-id>",
		Short: "Settle a record as success and swap its funds",
		Long: `Register a successful fulfillment and immediately swap the record's funds
through an aggregator. Without --amount the record total is swapped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceID, recordID, err := parseServiceRecord(args)
			if err != nil {
				return err
			}
			if err := checkAsset(to); err != nil {
				return err
			}
			if err := checkAddress("target", target); err != nil {
				return err
			}
			req := &types.FulfillAndSwapRequest{
				ServiceID:   serviceID,
				RecordID:    recordID,
				ExternalID:  externalID,
				ReceiptURI:  receipt,
				ToAsset:     to,
				CallTarget:  target,
				CallPayload: strings.TrimPrefix(payload, "0x"),
			}
			if req.Amount, err = parseAmountArg(amount); err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			if req.MinAmountOut, err = parseAmountArg(minOut); err != nil {
				return fmt.Errorf("min-out: %w", err)
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			var resp *types.SwapResponse
			err = WithSpinner("Fulfilling and swapping...", func() error {
				var err error
				resp, err = c.FulfillAndSwap(ctx, req)
				return err
			})
			if err != nil {
				return err
			}
			return printSwap(resp)
		},
	}

	cmd.Flags().StringVar(&externalID, "external-id", "", "External fulfillment identifier")
	cmd.Flags().StringVar(&receipt, "receipt", "", "Receipt URI")
	cmd.Flags().StringVar(&to, "to", "", "Destination asset")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount to swap (default: record total)")
	cmd.Flags().StringVar(&target, "target", "", "Aggregator contract address")
	cmd.Flags().StringVar(&payload, "payload", "", "Hex calldata for the aggregator")
	cmd.Flags().StringVar(&minOut, "min-out", "", "Minimum acceptable proceeds")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

// NewSweepCmd moves a service's pool and fees into its fulfiller's balances.
func NewSweepCmd() *cobra.Command {
	var asset string

	cmd := &cobra.Command{
		Use:   "sweep <service-id>",
		Short: "Sweep a service's balances to its fulfiller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceID, err := types.ParseServiceID(args[0])
			if err != nil {
				return err
			}
			if err := checkAsset(asset); err != nil {
				return err
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			var resp *types.SweepResponse
			err = WithSpinner("Sweeping...", func() error {
				var err error
				resp, err = c.Sweep(ctx, serviceID, asset)
				return err
			})
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(resp)
			}
			Success("Swept to fulfiller")
			fmt.Println(sweepBox(resp))
			return nil
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "native", "Asset address or 'native'")
	return cmd
}

// NewFulfillerWithdrawCmd pays out the caller's fulfiller pool and fees.
func NewFulfillerWithdrawCmd() *cobra.Command {
	var asset, amount, fees, beneficiary, feesBeneficiary string

	cmd := &cobra.Command{
		Use:   "fulfiller-withdraw",
		Short: "Withdraw the caller's fulfiller pool and fees",
		Long: `Pay the caller's swept fulfiller pool to one address and fees to another.
Requested amounts above the available balance are clamped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAsset(asset); err != nil {
				return err
			}
			if err := checkAddress("beneficiary", beneficiary); err != nil {
				return err
			}
			if feesBeneficiary == "" {
				feesBeneficiary = beneficiary
			}
			if err := checkAddress("fees-beneficiary", feesBeneficiary); err != nil {
				return err
			}
			amountUnits, err := parseAmountArg(amount)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			feeUnits, err := parseAmountArg(fees)
			if err != nil {
				return fmt.Errorf("fees: %w", err)
			}
			if err := confirm("Withdraw fulfiller balances", fmt.Sprintf("Pool to %s, fees to %s", beneficiary, feesBeneficiary)); err != nil {
				return err
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			var resp *types.FulfillerBalancesResponse
			err = WithSpinner("Withdrawing...", func() error {
				var err error
				resp, err = c.FulfillerWithdraw(ctx, &types.FulfillerWithdrawRequest{
					Asset:           asset,
					Amount:          amountUnits,
					Fees:            feeUnits,
					Beneficiary:     beneficiary,
					FeesBeneficiary: feesBeneficiary,
				})
				return err
			})
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(resp)
			}
			Success("Fulfiller balances withdrawn")
			fmt.Println(StatusBox("Remaining", [][2]string{
				{"Fulfiller", resp.Fulfiller},
				{"Asset", resp.Asset},
				{"Pool", FormatUnits(resp.Pool)},
				{"Fees", FormatUnits(resp.Fees)},
			}))
			return nil
		},
	}

	cmd.Flags().StringVar(&asset, "asset", "native", "Asset address or 'native'")
	cmd.Flags().StringVar(&amount, "amount", "", "Pool amount (default: all)")
	cmd.Flags().StringVar(&fees, "fees", "", "Fee amount (default: all)")
	cmd.Flags().StringVar(&beneficiary, "beneficiary", "", "Recipient of the pool")
	cmd.Flags().StringVar(&feesBeneficiary, "fees-beneficiary", "", "Recipient of the fees (default: --beneficiary)")
	_ = cmd.MarkFlagRequired("beneficiary")

	return cmd
}

func parseServiceRecord(args []string) (types.ServiceID, types.RecordID, error) {
	serviceID, err := types.ParseServiceID(args[0])
	if err != nil {
		return 0, 0, err
	}
	recordID, err := types.ParseRecordID(args[1])
	if err != nil {
		return 0, 0, err
	}
	return serviceID, recordID, nil
}

func checkAddress(name, s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("invalid %s address %q", name, s)
	}
	return nil
}

func checkAsset(s string) error {
	_, err := types.ParseAsset(s)
	return err
}

func recordBox(r *types.RecordResponse) string {
	fields := [][2]string{
		{"Service", r.ServiceID.String()},
		{"Status", StatusBadge(string(r.Status))},
		{"Payer", r.Payer},
		{"Fulfiller", r.Fulfiller},
		{"Asset", r.Asset},
		{"Principal", FormatUnits(r.Principal)},
		{"Fee", FormatUnits(r.Fee)},
	}
	if r.FiatAmount != "" {
		fields = append(fields, [2]string{"Fiat", r.FiatAmount})
	}
	if r.ServiceRef != "" {
		fields = append(fields, [2]string{"Reference", r.ServiceRef})
	}
	if r.ExternalID != "" {
		fields = append(fields, [2]string{"External ID", r.ExternalID})
	}
	if r.ReceiptURI != "" {
		fields = append(fields, [2]string{"Receipt", r.ReceiptURI})
	}
	fields = append(fields, [2]string{"Entered", r.EntryTime.Format("2006-01-02 15:04:05")})
	return StatusBox("Record "+r.ID.String(), fields)
}

func sweepBox(s *types.SweepResponse) string {
	return StatusBox("Sweep", [][2]string{
		{"Service", s.ServiceID.String()},
		{"Fulfiller", s.Fulfiller},
		{"Asset", s.Asset},
		{"Pool", FormatUnits(s.Pool)},
		{"Fees", FormatUnits(s.Fees)},
	})
}

func printAmount(done string, resp *types.AmountResponse) error {
	if OutputFormat == "json" {
		return printJSON(resp)
	}
	Success(fmt.Sprintf("%s: %s of %s", done, FormatUnits(resp.Amount), resp.Asset))
	return nil
}

func printSwap(resp *types.SwapResponse) error {
	if OutputFormat == "json" {
		return printJSON(resp)
	}
	Success(fmt.Sprintf("Swapped %s into %s", FormatUnits(resp.Amount), FormatUnits(resp.Received)))
	fields := [][2]string{
		{"Service", resp.ServiceID.String()},
		{"Source", resp.SourceAsset},
		{"Destination", resp.ToAsset},
		{"Aggregator", resp.CallTarget},
		{"From pool", FormatUnits(resp.FromReleaseable)},
		{"From fees", FormatUnits(resp.FromFees)},
		{"Received", FormatUnits(resp.Received)},
		{"To pool", FormatUnits(resp.ReleaseableShare)},
		{"To fees", FormatUnits(resp.FeesShare)},
	}
	if resp.RecordID != 0 {
		fields = append([][2]string{{"Record", resp.RecordID.String()}}, fields...)
	}
	fmt.Println(StatusBox("Swap", fields))
	if resp.Swept != nil {
		fmt.Println(sweepBox(resp.Swept))
	}
	return nil
}
