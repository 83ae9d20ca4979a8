package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/model"
)

var debugRpcUrl string

// debugClient calls the debug_bundler_* methods of a running bundler.
type debugClient struct {
	client *resty.Client
	url    string
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *model.RpcError `json:"error"`
}

func newDebugClient(url string) *debugClient {
	return &debugClient{
		client: resty.New().SetTimeout(2 * time.Minute),
		url:    url,
	}
}

func (c *debugClient) call(method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	var out rpcResponse
	resp, err := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"method":  method,
			"params":  params,
		}).
		SetResult(&out).
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("cannot reach bundler at %s: %w", c.url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bundler answered %s", resp.Status())
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%s failed with code %d: %s", method, out.Error.Code, out.Error.Message)
	}
	return out.Result, nil
}

func printJSON(out io.Writer, raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintf(out, "%s\n", raw)
		return
	}
	fmt.Fprintf(out, "%s\n", buf.String())
}

// printReputation renders a dumpReputation result, stakes in ETH.
func printReputation(out io.Writer, raw json.RawMessage) error {
	var entries []model.ReputationEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintf(out, "No tracked entities\n")
		return nil
	}
	for _, e := range entries {
		stake := "-"
		if e.Stake != nil && e.Stake.Stake != nil {
			stake = decimal.NewFromBigInt(e.Stake.Stake.ToInt(), -18).String() + " ETH"
		}
		fmt.Fprintf(out, "%s  status=%-9s seen=%-6d included=%-6d stake=%s\n", e.Address.Hex(), e.Status, e.OpsSeen, e.OpsIncluded, stake)
	}
	return nil
}

func runDebug(method string, render func(io.Writer, json.RawMessage) error, params ...any) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		result, err := newDebugClient(debugRpcUrl).call(method, params...)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "❌ %v\n", err)
			os.Exit(1)
		}
		if err := render(cmd.OutOrStdout(), result); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "❌ cannot decode %s result: %v\n", method, err)
			os.Exit(1)
		}
	}
}

func renderJSON(out io.Writer, raw json.RawMessage) error {
	printJSON(out, raw)
	return nil
}

var (
	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Call debug methods of a running bundler",
		Long: `Call the debug_bundler_* JSON-RPC methods of a running bundler.

Use --url=http://host:port, default is=http://127.0.0.1:3000 `,
	}

	dumpMempoolCmd = &cobra.Command{
		Use:   "dump-mempool",
		Short: "Print every pending user operation",
		Run:   runDebug("debug_bundler_dumpMempool", renderJSON),
	}

	dumpReputationCmd = &cobra.Command{
		Use:   "dump-reputation",
		Short: "Print the reputation of every tracked entity",
		Run:   runDebug("debug_bundler_dumpReputation", printReputation),
	}

	sendBundleNowCmd = &cobra.Command{
		Use:   "send-bundle-now",
		Short: "Force a bundling attempt and wait for it",
		Run:   runDebug("debug_bundler_sendBundleNow", renderJSON),
	}

	clearStateCmd = &cobra.Command{
		Use:   "clear-state",
		Short: "Empty the mempool and the reputation store",
		Run:   runDebug("debug_bundler_clearState", renderJSON),
	}

	setModeCmd = &cobra.Command{
		Use:   "set-mode <manual|auto|seconds> [maxPoolSize]",
		Short: "Switch the bundling mode",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			params := []any{args[0]}
			if len(args) == 2 {
				params = append(params, json.Number(args[1]))
			}
			runDebug("debug_bundler_setBundleInterval", renderJSON, params...)(cmd, args)
		},
	}
)

func init() {
	debugCmd.PersistentFlags().StringVar(&debugRpcUrl, "url", "http://127.0.0.1:3000", "RPC url of the bundler")
	debugCmd.AddCommand(dumpMempoolCmd, dumpReputationCmd, sendBundleNowCmd, clearStateCmd, setModeCmd)
	rootCmd.AddCommand(debugCmd)
}
