package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/mosaicnetworks/stakenet/src/identity"
	"github.com/mosaicnetworks/stakenet/src/oracle"
	"github.com/spf13/cobra"
)

var (
	stakeBalance   uint64
	subnetNodeID   uint64
	bootnodePeerID string
	hotkey         string
	coldkey        string
)

// NewLedgerCmd returns the command that manages the local ledger database
func NewLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage the local ledger used by the ledger oracle mode",
	}

	register := &cobra.Command{
		Use:     "register [peer_id]",
		Short:   "Register a node in the subnet, or update its registration",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfig,
		RunE:    ledgerRegister,
	}
	addLedgerFlags(register)
	register.Flags().Uint64Var(&stakeBalance, "stake", 0, "Stake balance, 0 registers the node unstaked")
	register.Flags().Uint64Var(&subnetNodeID, "subnet-node-id", 0, "Subnet node ID, 0 picks the next free one")
	register.Flags().StringVar(&bootnodePeerID, "bootnode", "", "Peer ID of the bootnode the node entered through")
	register.Flags().StringVar(&hotkey, "hotkey", "", "Hotkey account")
	register.Flags().StringVar(&coldkey, "coldkey", "", "Coldkey account")

	unregister := &cobra.Command{
		Use:     "unregister [peer_id]",
		Short:   "Remove the registration of a node",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfig,
		RunE:    ledgerUnregister,
	}
	addLedgerFlags(unregister)

	list := &cobra.Command{
		Use:     "list",
		Short:   "List the nodes registered in the subnet",
		Args:    cobra.NoArgs,
		PreRunE: loadConfig,
		RunE:    ledgerList,
	}
	addLedgerFlags(list)

	cmd.AddCommand(register, unregister, list)
	return cmd
}

func addLedgerFlags(cmd *cobra.Command) {
	AddCommonFlags(cmd)
	cmd.Flags().String("ledger-db", _config.LedgerDB, "Local ledger database")
}

func openLedger() (*oracle.LedgerOracle, uint64, error) {
	subnetID, err := strconv.ParseUint(_config.SubnetID, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger subnet ids are numeric, got %q", _config.SubnetID)
	}

	l, err := oracle.OpenLedger(_config.LedgerDB, _config.Logger().WithField("prefix", "ledger"))
	if err != nil {
		return nil, 0, err
	}
	return l, subnetID, nil
}

func ledgerRegister(cmd *cobra.Command, args []string) error {
	if err := identity.ValidatePeerID(args[0]); err != nil {
		return err
	}
	if bootnodePeerID != "" {
		if err := identity.ValidatePeerID(bootnodePeerID); err != nil {
			return fmt.Errorf("bootnode: %w", err)
		}
	}

	l, subnetID, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	ctx := context.Background()

	nodeID := subnetNodeID
	if nodeID == 0 {
		existing, err := l.PeerRecord(ctx, args[0])
		if err != nil {
			return err
		}
		if existing != nil && existing.SubnetID == subnetID {
			nodeID = existing.SubnetNodeID
		} else if nodeID, err = l.NextSubnetNodeID(ctx, subnetID); err != nil {
			return err
		}
	}

	rec := oracle.LedgerRecord{
		SubnetID:       subnetID,
		SubnetNodeID:   nodeID,
		PeerID:         args[0],
		BootnodePeerID: bootnodePeerID,
		Hotkey:         hotkey,
		Coldkey:        coldkey,
		StakeBalance:   stakeBalance,
	}
	if err := l.Register(ctx, rec); err != nil {
		return err
	}

	return printJSON(rec)
}

func ledgerUnregister(cmd *cobra.Command, args []string) error {
	l, _, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	removed, err := l.Unregister(context.Background(), args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%s is not registered", args[0])
	}

	fmt.Printf("Unregistered %s\n", args[0])
	return nil
}

func ledgerList(cmd *cobra.Command, args []string) error {
	l, subnetID, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	records, err := l.List(context.Background(), subnetID)
	if err != nil {
		return err
	}
	return printJSON(records)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
