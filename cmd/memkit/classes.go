package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/memkit/memkit/malloc/sizeclass"
)

func init() {
	rootCmd.AddCommand(newClassesCmd())
}

func newClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "Print the static size-class table",
		Long: `The classes command dumps every size class: object size, span
length, objects per span, and the batch size moved between cache tiers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClasses()
		},
	}
}

func runClasses() error {
	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stdout, "%5s %10s %6s %10s %6s\n",
		"class", "size", "pages", "objs/span", "batch")
	for c := 1; c < sizeclass.NumClasses(); c++ {
		cls := sizeclass.ByIndex(c)
		p.Fprintf(os.Stdout, "%5d %10d %6d %10d %6d\n",
			c, cls.Size, cls.Pages, cls.ObjectsPerSpan, cls.BatchSize)
	}
	p.Fprintf(os.Stdout, "%d classes, max small size %d bytes\n",
		sizeclass.NumClasses()-1, sizeclass.MaxSmallSize)
	return nil
}
