package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/youta-t/flarc"

	"github.com/cgl-dcc/halyard/cmd/halyard/subcommands/common"
	"github.com/cgl-dcc/halyard/pkg/ledger"
	"github.com/cgl-dcc/halyard/pkg/utils"
)

type Flags struct {
	OutputDir   string `flag:"output-dir" metavar:"PATH" help:"directory where bundles were generated"`
	ReceiptFile string `flag:"receipt-file" metavar:"PATH" help:"receipt file. relative paths are resolved under --output-dir"`
	All         bool   `flag:"all" alias:"a" help:"show the full audit trail, not only the effective state"`
}

type receiptRow struct {
	BundleUUID string `json:"bundle_uuid"`
	Outcome    string `json:"outcome"`
	RecordedAt string `json:"recorded_at"`
	Detail     string `json:"detail,omitempty"`
}

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Show submission outcomes recorded in the receipt file.",
		Flags{
			OutputDir:   "./outputs",
			ReceiptFile: "receipt.tsv",
		},
		flarc.Args{},
		common.NewTaskWithCommonFlag(Task()),
		flarc.WithDescription(`
Read the receipt file of past upload runs and print, as JSON, the
effective outcome of each bundle.

With --all, every recorded entry is printed in order, including the
audit-only "skipped" entries.
`),
	)
}

func Task() common.TaskWithCommonFlag[Flags] {
	return func(
		ctx context.Context,
		logger *log.Logger,
		cf common.CommonFlags,
		cl flarc.Commandline[Flags],
		params []any,
	) error {
		flags := cl.Flags()

		receiptPath := flags.ReceiptFile
		if !filepath.IsAbs(receiptPath) {
			receiptPath = filepath.Join(flags.OutputDir, receiptPath)
		}
		if _, err := os.Stat(receiptPath); err != nil {
			return fmt.Errorf("%w: no receipt file at %s", err, receiptPath)
		}

		led, err := ledger.Open(receiptPath)
		if err != nil {
			return err
		}
		defer led.Close()

		entries := led.Entries()
		if !flags.All {
			effective := map[string]ledger.Entry{}
			for _, e := range entries {
				if e.Outcome == ledger.Skipped {
					continue
				}
				effective[e.BundleUUID] = e
			}
			entries = make([]ledger.Entry, 0, len(effective))
			for _, uuid := range utils.KeysOf(effective) {
				entries = append(entries, effective[uuid])
			}
		}

		rows := utils.Map(entries, func(e ledger.Entry) receiptRow {
			return receiptRow{
				BundleUUID: e.BundleUUID,
				Outcome:    string(e.Outcome),
				RecordedAt: e.RecordedAt.String(),
				Detail:     e.Detail,
			}
		})

		enc := json.NewEncoder(cl.Stdout())
		enc.SetIndent("", "    ")
		return enc.Encode(rows)
	}
}
