package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/mosaicnetworks/stakenet/src/config"
	"github.com/mosaicnetworks/stakenet/src/query"
	"github.com/mosaicnetworks/stakenet/src/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var keyQPM int

// NewAPIKeyCmd returns the command that manages the API keys of the query
// service
func NewAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage the API keys of the query service",
	}

	add := &cobra.Command{
		Use:     "add [owner]",
		Short:   "Create an API key",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfig,
		RunE:    apiKeyAdd,
	}
	addAPIKeyFlags(add)
	add.Flags().IntVar(&keyQPM, "qpm", 0, "Requests per minute allowed to the key, 0 uses key-qpm")

	revoke := &cobra.Command{
		Use:     "revoke [hash]",
		Short:   "Deactivate an API key",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfig,
		RunE:    apiKeyRevoke,
	}
	addAPIKeyFlags(revoke)

	list := &cobra.Command{
		Use:     "list",
		Short:   "List the API keys",
		Args:    cobra.NoArgs,
		PreRunE: loadConfig,
		RunE:    apiKeyList,
	}
	addAPIKeyFlags(list)

	cmd.AddCommand(add, revoke, list)
	return cmd
}

func addAPIKeyFlags(cmd *cobra.Command) {
	AddCommonFlags(cmd)
	cmd.Flags().String("auth-db", _config.AuthDB, "API key store directory")
	cmd.Flags().Int("key-qpm", _config.KeyRate, "Default requests per minute of new keys")
}

func openKeyManager() (*query.KeyRing, *store.Store, error) {
	st, err := store.OpenWriter(context.Background(), config.StoreSQLite, _config.AuthDB,
		store.Options{}, _config.Logger().WithField("prefix", "auth"))
	if err != nil {
		return nil, nil, err
	}
	return query.NewKeyManager(st, _config.KeyRate), st, nil
}

// openKeyRing opens the API key store read-only for the query service.
func openKeyRing() (*query.KeyRing, *store.ReadOnly, error) {
	r, err := store.OpenReader(config.StoreSQLite, _config.AuthDB,
		store.Options{}, _config.Logger().WithField("prefix", "auth"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening API keys in %s, create one with \"stakenet apikey add\": %w",
			_config.AuthDB, err)
	}
	return query.NewKeyRing(r), r, nil
}

func apiKeyAdd(cmd *cobra.Command, args []string) error {
	keys, st, err := openKeyManager()
	if err != nil {
		return err
	}
	defer st.Close()

	raw, err := keys.Create(args[0], keyQPM)
	if err != nil {
		return err
	}

	fmt.Printf("Created API key for %s\n", args[0])
	fmt.Printf("Key:  %s\n", raw)
	fmt.Printf("Hash: %s\n", query.HashKey(raw))
	fmt.Println("The key is not stored and will not be shown again.")
	return nil
}

func apiKeyRevoke(cmd *cobra.Command, args []string) error {
	keys, st, err := openKeyManager()
	if err != nil {
		return err
	}
	defer st.Close()

	ok, err := keys.Revoke(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no API key with hash %s", args[0])
	}

	fmt.Printf("Revoked %s\n", args[0])
	return nil
}

func apiKeyList(cmd *cobra.Command, args []string) error {
	keys, st, err := openKeyManager()
	if err != nil {
		return err
	}
	defer st.Close()

	all, err := keys.List()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("No keys found.")
		return nil
	}

	hashes := make([]string, 0, len(all))
	for h := range all {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Hash", "Owner", "QPM", "Status", "Created At"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, h := range hashes {
		k := all[h]
		status := "Active"
		if !k.Active {
			status = "Revoked"
		}
		table.Append([]string{h, k.Owner, strconv.Itoa(k.QPMLimit), status, k.CreatedAt})
	}
	table.Render()
	return nil
}
