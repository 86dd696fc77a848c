package cmd

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gauss-project/kadtable/internal/kadcrypto"
	"github.com/gauss-project/kadtable/pkg/kademlia"
	"github.com/gauss-project/kadtable/pkg/logging"
	"github.com/gauss-project/kadtable/pkg/overlay"
)

func (c *command) initInspectCmd() (err error) {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "load a dumped table and report its bucket population",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := cmd.Flags().GetString(optionNameFile)
			if err != nil {
				return err
			}
			ownHex, err := cmd.Flags().GetString(optionNameOwnAddress)
			if err != nil {
				return err
			}
			networkID, err := cmd.Flags().GetString(optionNameNetworkID)
			if err != nil {
				return err
			}
			verbosity, err := cmd.Flags().GetString(optionNameVerbosity)
			if err != nil {
				return err
			}

			own, err := overlay.ParseHexAddress(ownHex)
			if err != nil {
				return fmt.Errorf("parse %s: %w", optionNameOwnAddress, err)
			}

			logger, err := newLogger(cmd, verbosity)
			if err != nil {
				return err
			}

			table := kademlia.New(own, kademlia.Options{
				Hasher:    kadcrypto.SHA1Hasher{},
				Logger:    logger,
				NetworkID: networkID,
				Filename:  file,
				FS:        c.fs,
			})
			if err := table.Load(); err != nil {
				return fmt.Errorf("load %s: %w", file, err)
			}

			return printReport(cmd, table)
		},
	}
	cmd.Flags().String(optionNameFile, "", "path to a table dumped by KademliaTable.Dump")
	cmd.Flags().String(optionNameOwnAddress, "", "hex-encoded address of the node that owned the table")
	cmd.Flags().String(optionNameNetworkID, "", "network id the dump was produced under (informational)")
	cmd.Flags().String(optionNameVerbosity, "info", "log verbosity level 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace")
	if err := cmd.MarkFlagRequired(optionNameFile); err != nil {
		return err
	}
	if err := cmd.MarkFlagRequired(optionNameOwnAddress); err != nil {
		return err
	}

	cmd.SetOut(c.root.OutOrStdout())
	c.root.AddCommand(cmd)
	return nil
}

func printReport(cmd *cobra.Command, table *kademlia.KademliaTable) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "own address:       %s\n", table.OwnAddress())
	if id := table.NetworkID(); id != "" {
		fmt.Fprintf(out, "network id:        %s\n", id)
	}
	fmt.Fprintf(out, "known peers:       %d\n", table.Size())
	fmt.Fprintf(out, "active buckets:    %d\n", table.ActiveBuckets())
	fmt.Fprintf(out, "nearest bucket:    %d\n", table.FirstNonEmptyBucket())

	budget := table.Size()
	if budget == 0 {
		budget = 1
	}
	proposed := table.ProposePermanentConnections(budget)
	fmt.Fprintf(out, "proposed peers:    %d\n", len(proposed))
	for _, p := range proposed {
		fmt.Fprintf(out, "  %s  uri=%s  liveness=%d  verified=%t\n", p.Address, p.URI, p.Liveness, p.Verified)
	}
	return nil
}

func newLogger(cmd *cobra.Command, verbosity string) (logging.Logger, error) {
	var level logrus.Level
	switch verbosity {
	case "0", "silent":
		return logging.New(io.Discard, 0), nil
	case "1", "error":
		level = logrus.ErrorLevel
	case "2", "warn":
		level = logrus.WarnLevel
	case "3", "info":
		level = logrus.InfoLevel
	case "4", "debug":
		level = logrus.DebugLevel
	case "5", "trace":
		level = logrus.TraceLevel
	default:
		return nil, fmt.Errorf("unknown verbosity level %q", verbosity)
	}
	return logging.New(cmd.OutOrStderr(), level), nil
}
