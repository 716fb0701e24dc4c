package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func runAuthURL(cmd *cobra.Command, _ []string) error {
	s, _, err := loadSettings()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), newVendorClient(s).AuthURL(s.RedirectURI))
	return nil
}

func newStateCmd() *cobra.Command {
	state := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted bridge state",
	}
	state.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the persisted state as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, logger, err := loadSettings()
			if err != nil {
				return err
			}
			st, err := openState(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			loaded, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(loaded, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	})
	return state
}

func runPlants(cmd *cobra.Command, _ []string) error {
	s, logger, err := loadSettings()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), s, logger, nil)
	if err != nil {
		return err
	}
	defer a.state.Close()

	if !a.svc.Authorized() {
		return fmt.Errorf("no tokens in %s: run the server and visit GET /auth/start first", a.settings.TokenFile)
	}
	index, err := a.svc.RefreshPlants(cmd.Context())
	if err != nil {
		return err
	}

	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%s\n", name, index[name])
	}
	return tw.Flush()
}
