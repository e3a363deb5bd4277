package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"

	"github.com/youta-t/flarc"

	"github.com/cgl-dcc/halyard/cmd/halyard/subcommands/common"
	subinit "github.com/cgl-dcc/halyard/cmd/halyard/subcommands/init"
	"github.com/cgl-dcc/halyard/cmd/halyard/subcommands/logger"
	subreceipts "github.com/cgl-dcc/halyard/cmd/halyard/subcommands/receipts"
	subupload "github.com/cgl-dcc/halyard/cmd/halyard/subcommands/upload"
	subver "github.com/cgl-dcc/halyard/cmd/halyard/subcommands/version"
	"github.com/cgl-dcc/halyard/pkg/utils/try"
)

func main() {
	name := path.Base(os.Args[0])
	logger := logger.Default()
	logger.SetPrefix(fmt.Sprintf("[%s] ", name))

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, os.Kill,
	)
	defer cancel()

	cf := try.To(common.Flags(".")).OrFatal(logger)
	init := try.To(subinit.New()).OrFatal(logger)
	upload := try.To(subupload.New()).OrFatal(logger)
	receipts := try.To(subreceipts.New()).OrFatal(logger)
	version := try.To(subver.New()).OrFatal(logger)

	halyard := try.To(
		flarc.NewCommandGroup(
			"Halyard: generate and submit genomics metadata bundles.",
			cf,
			flarc.WithSubcommand("init", init),
			flarc.WithSubcommand("upload", upload),
			flarc.WithSubcommand("receipts", receipts),
			flarc.WithSubcommand("version", version),
		),
	).OrFatal(logger)

	os.Exit(flarc.Run(ctx, halyard, flarc.WithHelp(true)))
}
