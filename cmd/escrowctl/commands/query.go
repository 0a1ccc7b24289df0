package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/internal/client"
	"github.com/moltbunker/escrowd/pkg/types"
	"github.com/spf13/cobra"
)

// followPollInterval is how often events --follow asks for new events.
const followPollInterval = 2 * time.Second

// NewHealthCmd shows daemon health.
func NewHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.NewAPIClient(GetAPIEndpoint())
			ctx, cancel := commandContext()
			defer cancel()

			resp, err := c.Health(ctx)
			if resp == nil {
				return err
			}
			if OutputFormat == "json" {
				if perr := printJSON(resp); perr != nil {
					return perr
				}
				return err
			}
			fields := [][2]string{
				{"Status", StatusBadge(resp.Status)},
				{"Version", resp.Version},
				{"Settlement", resp.SettlementVersion},
				{"Uptime", resp.Uptime},
				{"Records", strconv.Itoa(resp.Records)},
				{"Services", strconv.Itoa(resp.Services)},
			}
			if resp.Reason != "" {
				fields = append(fields, [2]string{"Reason", resp.Reason})
			}
			fmt.Println(StatusBox(Logo()+" "+GetAPIEndpoint(), fields))
			return err
		},
	}
}

// NewRecordCmd shows one fulfillment record.
func NewRecordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record <record-id>",
		Short: "Show a fulfillment record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseRecordID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			resp, err := c.Record(ctx, id)
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("record %s not found", id)
				}
				return err
			}
			if OutputFormat == "json" {
				return printJSON(resp)
			}
			fmt.Println(recordBox(resp))
			return nil
		},
	}
}

// NewRecordsCmd lists fulfillment records.
func NewRecordsCmd() *cobra.Command {
	var serviceArg, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List fulfillment records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := client.RecordQuery{Status: types.RecordStatus(strings.ToLower(status)), Limit: limit}
			if serviceArg != "" {
				id, err := types.ParseServiceID(serviceArg)
				if err != nil {
					return err
				}
				q.ServiceID = id
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			records, err := c.ListRecords(ctx, q)
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(records)
			}
			if len(records) == 0 {
				Info("No records found.")
				return nil
			}
			fmt.Print(recordsTable(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&serviceArg, "service", "", "Only records of this service")
	cmd.Flags().StringVar(&status, "status", "", "Only records with this status (pending, success, failed, refunded)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to list")

	return cmd
}

func recordsTable(records []types.RecordResponse) string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ID.String(),
			r.ServiceID.String(),
			string(r.Status),
			FormatAddress(r.Payer),
			FormatAddress(r.Asset),
			FormatUnits(r.Principal),
			FormatUnits(r.Fee),
			r.EntryTime.Format("2006-01-02 15:04"),
		})
	}
	return RenderTable([]string{"ID", "SERVICE", "STATUS", "PAYER", "ASSET", "PRINCIPAL", "FEE", "ENTERED"}, rows)
}

// NewServicesCmd lists registered services.
func NewServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List registered services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			services, err := c.Services(ctx)
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(services)
			}
			rows := make([][]string, 0, len(services))
			for _, s := range services {
				rows = append(rows, []string{
					s.ID.String(),
					s.Fulfiller.Hex(),
					s.Beneficiary.Hex(),
					fmt.Sprintf("%d", s.FeeBasisPoints),
				})
			}
			fmt.Print(RenderTable([]string{"ID", "FULFILLER", "BENEFICIARY", "FEE BPS"}, rows))
			return nil
		},
	}
}

// NewBalancesCmd groups the balance queries.
func NewBalancesCmd() *cobra.Command {
	var asset string

	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Show escrow balances",
		Long: `Show service, payer or fulfiller balances held in escrow.

Examples:
  escrowctl balances service 1 --asset native
  escrowctl balances payer 1 0xabc...
  escrowctl balances fulfiller 0xdef...
  escrowctl balances solvency`,
	}
	cmd.PersistentFlags().StringVar(&asset, "asset", "native", "Asset address or 'native'")

	cmd.AddCommand(&cobra.Command{
		Use:   "service <service-id>",
		Short: "Releaseable pool and fees of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseServiceID(args[0])
			if err != nil {
				return err
			}
			return queryBalances(asset, func(ctx context.Context, c *client.APIClient) (any, [][2]string, error) {
				b, err := c.ServiceBalances(ctx, id, asset)
				if err != nil {
					return nil, nil, err
				}
				return b, [][2]string{
					{"Service", b.ServiceID.String()},
					{"Asset", b.Asset},
					{"Releaseable", FormatUnits(b.Releaseable)},
					{"Fees", FormatUnits(b.Fees)},
				}, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "payer <service-id> <payer>",
		Short: "Pending deposits and refunds of a payer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseServiceID(args[0])
			if err != nil {
				return err
			}
			if err := checkAddress("payer", args[1]); err != nil {
				return err
			}
			payer := common.HexToAddress(args[1])
			return queryBalances(asset, func(ctx context.Context, c *client.APIClient) (any, [][2]string, error) {
				b, err := c.PayerBalances(ctx, id, payer, asset)
				if err != nil {
					return nil, nil, err
				}
				return b, [][2]string{
					{"Service", b.ServiceID.String()},
					{"Payer", b.Payer},
					{"Asset", b.Asset},
					{"Deposits", FormatUnits(b.Deposit)},
					{"Refunds", FormatUnits(b.Refund)},
				}, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "fulfiller <fulfiller>",
		Short: "Swept pool and fees of a fulfiller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress("fulfiller", args[0]); err != nil {
				return err
			}
			fulfiller := common.HexToAddress(args[0])
			return queryBalances(asset, func(ctx context.Context, c *client.APIClient) (any, [][2]string, error) {
				b, err := c.FulfillerBalances(ctx, fulfiller, asset)
				if err != nil {
					return nil, nil, err
				}
				return b, [][2]string{
					{"Fulfiller", b.Fulfiller},
					{"Asset", b.Asset},
					{"Pool", FormatUnits(b.Pool)},
					{"Fees", FormatUnits(b.Fees)},
				}, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "solvency",
		Short: "Compare escrow liabilities with custodied funds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return queryBalances(asset, func(ctx context.Context, c *client.APIClient) (any, [][2]string, error) {
				s, err := c.Solvency(ctx, asset)
				if err != nil {
					return nil, nil, err
				}
				status := "solvent"
				if !s.Solvent {
					status = "insolvent"
				}
				return s, [][2]string{
					{"Asset", s.Asset},
					{"Status", StatusBadge(status)},
					{"Deposits", FormatUnits(s.Deposits)},
					{"Refunds", FormatUnits(s.Refunds)},
					{"Pools", FormatUnits(s.Pools)},
					{"Fees", FormatUnits(s.Fees)},
					{"Fulfiller pools", FormatUnits(s.FulfillerPools)},
					{"Fulfiller fees", FormatUnits(s.FulfillerFees)},
					{"Liabilities", FormatUnits(s.Liabilities)},
					{"Custodied", FormatUnits(s.Custodied)},
				}, nil
			})
		},
	})

	return cmd
}

func queryBalances(asset string, fetch func(context.Context, *client.APIClient) (any, [][2]string, error)) error {
	if err := checkAsset(asset); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	raw, fields, err := fetch(ctx, c)
	if err != nil {
		return err
	}
	if OutputFormat == "json" {
		return printJSON(raw)
	}
	fmt.Println(StatusBox("Balances", fields))
	return nil
}

// NewEventsCmd lists or follows settlement events.
func NewEventsCmd() *cobra.Command {
	var (
		kind       string
		serviceArg string
		since      uint64
		limit      int
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List settlement events",
		Long: `List settlement events from the daemon's event log.

With --since, events after that sequence number are listed in order.
With --follow, new events are printed as they arrive until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var serviceID types.ServiceID
			if serviceArg != "" {
				id, err := types.ParseServiceID(serviceArg)
				if err != nil {
					return err
				}
				serviceID = id
			}

			c, err := newClient()
			if err != nil {
				return err
			}

			if follow {
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return followEvents(ctx, c, since, limit, func(e types.Event) bool {
					return matchesEvent(e, types.EventKind(kind), serviceID)
				})
			}

			ctx, cancel := commandContext()
			defer cancel()

			var resp *types.EventsResponse
			if cmd.Flags().Changed("since") {
				resp, err = c.EventsSince(ctx, since, limit)
			} else {
				resp, err = c.Events(ctx, types.EventKind(kind), serviceID, limit)
			}
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				return printJSON(resp)
			}
			if len(resp.Events) == 0 {
				Info("No events.")
				return nil
			}
			fmt.Print(eventsTable(resp.Events))
			fmt.Println(Hint(fmt.Sprintf("last seq %d", resp.LastSeq)))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind")
	cmd.Flags().StringVar(&serviceArg, "service", "", "Only events of this service")
	cmd.Flags().Uint64Var(&since, "since", 0, "List events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events per request")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new events")

	return cmd
}

func matchesEvent(e types.Event, kind types.EventKind, serviceID types.ServiceID) bool {
	if kind != "" && e.Kind != kind {
		return false
	}
	if serviceID != 0 && e.ServiceID != serviceID {
		return false
	}
	return true
}

// followEvents polls for events after seq until ctx is done.
func followEvents(ctx context.Context, c *client.APIClient, seq uint64, limit int, keep func(types.Event) bool) error {
	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.EventsSince(ctx, seq, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, e := range resp.Events {
			if keep(e) {
				if OutputFormat == "json" {
					if err := printJSON(e); err != nil {
						return err
					}
				} else {
					fmt.Println(eventLine(e))
				}
			}
			if e.Seq > seq {
				seq = e.Seq
			}
		}
		if len(resp.Events) > 0 && len(resp.Events) == limit {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func eventsTable(events []types.Event) string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		record := ""
		if e.RecordID != 0 {
			record = e.RecordID.String()
		}
		rows = append(rows, []string{
			strconv.FormatUint(e.Seq, 10),
			e.Timestamp.Format("2006-01-02 15:04:05"),
			string(e.Kind),
			e.ServiceID.String(),
			record,
			FormatAddress(e.Account.Hex()),
			formatEventAmounts(e),
		})
	}
	return RenderTable([]string{"SEQ", "TIME", "KIND", "SERVICE", "RECORD", "ACCOUNT", "AMOUNTS"}, rows)
}

func eventLine(e types.Event) string {
	line := fmt.Sprintf("%d %s %s service=%s", e.Seq, e.Timestamp.Format(time.RFC3339), e.Kind, e.ServiceID)
	if e.RecordID != 0 {
		line += " record=" + e.RecordID.String()
	}
	if amounts := formatEventAmounts(e); amounts != "" {
		line += " " + amounts
	}
	return line
}

// formatEventAmounts renders amounts as sorted key=value pairs.
func formatEventAmounts(e types.Event) string {
	keys := make([]string, 0, len(e.Amounts))
	for k := range e.Amounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := "0"
		if e.Amounts[k] != nil {
			v = e.Amounts[k].String()
		}
		parts = append(parts, k+"="+FormatUnits(v))
	}
	return strings.Join(parts, " ")
}
