// Command kmcore is a small CLI host for the keymint dispatcher: a cobra
// root command, a persistent --verbose flag wired to internal/logx, and
// subcommands that each build their own Dispatcher against the refimpl
// reference backend. It exists to exercise the core end to end outside of
// unit tests, not as a production Keymaster/KeyMint host (there is no
// AIDL/HIDL transport shim here).
package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/marmos91/keymintcore/internal/logx"
	"github.com/marmos91/keymintcore/internal/metrics"
	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/dispatcher"
	"github.com/marmos91/keymintcore/pkg/keymint/kmcontext"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
	"github.com/marmos91/keymintcore/pkg/keymint/policy"
	"github.com/marmos91/keymintcore/pkg/keymint/refimpl"
	"github.com/marmos91/keymintcore/pkg/keymint/tag"
)

var (
	verbose   bool
	dbPath    string
	tableSize int
	jwtSecret string
)

func main() {
	root := &cobra.Command{
		Use:   "kmcore",
		Short: "Host and exercise the keymint request dispatcher",
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "badger data directory (empty: in-memory)")
	root.PersistentFlags().IntVar(&tableSize, "table-size", 16, "operation table capacity before LRU eviction")
	root.PersistentFlags().StringVar(&jwtSecret, "policy-secret", "", "HS256 secret for the reference enforcement policy; empty installs no policy")

	root.AddCommand(newDemoCmd(), newInspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildDispatcher() (*dispatcher.Dispatcher, *refimpl.Context, error) {
	level := "info"
	if verbose {
		level = "debug"
	}
	if err := logx.Init(logx.Config{Level: level, Format: "text", Output: "stderr"}); err != nil {
		return nil, nil, fmt.Errorf("kmcore: init logger: %w", err)
	}

	// policyImpl stays a nil interface (not a typed-nil *refimpl.Policy)
	// when no secret is configured, so the dispatcher's "policy may be
	// absent" checks see a genuine nil.
	var policyImpl policy.Policy
	if jwtSecret != "" {
		p, err := refimpl.NewPolicy([]byte(jwtSecret))
		if err != nil {
			return nil, nil, fmt.Errorf("kmcore: building policy: %w", err)
		}
		policyImpl = p
	}

	ctx, err := refimpl.New(refimpl.Options{
		DBPath:  dbPath,
		Version: kmcontext.KeyMint1,
		Policy:  policyImpl,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("kmcore: building context: %w", err)
	}

	metrics.InitRegistry(nil)
	mx := metrics.NewDispatcherMetrics()

	d := dispatcher.New(ctx, dispatcher.Config{OperationTableSize: tableSize}, mx)
	return d, ctx, nil
}

// newDemoCmd drives GenerateKey -> Begin -> Update -> Finish against the
// refimpl AES demonstration algorithm, the CLI analogue of
// dispatch_test.go's TestHandleLifecycle scenario.
func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Generate an AES key and run it through Begin/Update/Finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ctx, err := buildDispatcher()
			if err != nil {
				return err
			}
			defer ctx.Close()

			if status := d.Configure(&dispatcher.ConfigureRequest{OSVersion: 1, OSPatchlevel: 202401}); status.Status != nil && status.Status.Code != 0 {
				return fmt.Errorf("configure: %s", status.Status.Message)
			}

			description := authset.New(
				tag.Enum(tag.Algorithm, refimpl.AESAlgorithm),
				tag.Enum(tag.Purpose, uint32(operation.PurposeEncrypt)),
				tag.Enum(tag.Purpose, uint32(operation.PurposeDecrypt)),
				tag.Uint(tag.OSPatchlevel, 202401),
			)
			gen := d.GenerateKey(&dispatcher.GenerateKeyRequest{KeyDescription: description})
			if gen.Status != nil && gen.Status.Code != 0 {
				return fmt.Errorf("generate key: %s", gen.Status.Message)
			}
			fmt.Printf("generated key blob (%d bytes)\n", len(gen.Blob.Bytes()))

			begin := d.BeginOperation(&dispatcher.BeginOperationRequest{
				Purpose: operation.PurposeEncrypt,
				Blob:    gen.Blob,
			})
			if begin.Status != nil && begin.Status.Code != 0 {
				return fmt.Errorf("begin: %s", begin.Status.Message)
			}
			fmt.Printf("operation handle: %d\n", begin.OperationHandle)

			plaintext := make([]byte, 32)
			update := d.UpdateOperation(&dispatcher.UpdateOperationRequest{
				OperationHandle: begin.OperationHandle,
				Input:           plaintext,
			})
			if update.Status != nil && update.Status.Code != 0 {
				return fmt.Errorf("update: %s", update.Status.Message)
			}
			fmt.Printf("update consumed %d of %d bytes, emitted %d bytes\n", update.InputConsumed, len(plaintext), len(update.Output))

			finish := d.FinishOperation(&dispatcher.FinishOperationRequest{OperationHandle: begin.OperationHandle})
			if finish.Status != nil && finish.Status.Code != 0 {
				return fmt.Errorf("finish: %s", finish.Status.Message)
			}
			fmt.Printf("finish emitted %d remaining bytes\n", len(finish.Output))
			return nil
		},
	}
}

// newInspectCmd prints the live operation table, rendering server-side
// state with tablewriter rather than raw struct dumps.
func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the dispatcher's operation table and supported algorithms",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ctx, err := buildDispatcher()
			if err != nil {
				return err
			}
			defer ctx.Close()

			algs := d.SupportedAlgorithms()
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Algorithm"})
			for _, a := range algs.Algorithms {
				table.Append([]string{fmt.Sprintf("%d", a)})
			}
			table.Render()

			handles := d.Table().Handles()
			ot := tablewriter.NewWriter(os.Stdout)
			ot.SetHeader([]string{"Operation Handle"})
			for _, h := range handles {
				ot.Append([]string{fmt.Sprintf("%d", h)})
			}
			ot.Render()
			return nil
		},
	}
}
