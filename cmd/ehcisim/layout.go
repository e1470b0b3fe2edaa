package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ardnew/softehci/host/hal/ehci"
	"github.com/ardnew/softehci/pkg/dma"
)

func newLayoutCommand(f *rootFlags) *cobra.Command {
	var arena int
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the descriptor region layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := f.load()
			if err != nil {
				return err
			}
			cfg := s.Controller
			if cmd.Flags().Changed("arena-pages") {
				cfg.ArenaPages = arena
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(w, "section\toffset\tsize\tslots\t")
			for _, sec := range ehci.Layout(cfg) {
				fmt.Fprintf(w, "%s\t%#06x\t%d\t%d\t\n", sec.Name, sec.Offset, sec.Size, sec.Slots)
			}
			pages := ehci.RegionPages(cfg)
			fmt.Fprintf(w, "total\t\t%d\t%d pages\t\n", pages*dma.PageSize, pages)
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&arena, "arena-pages", 0, "override controller.arena_pages")
	return cmd
}
