// Command umwelt-spec checks umwelt documents and prints the note sequences
// they produce without starting the runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/loqalabs/loqa-umwelt/internal/audio"
	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/scheduler"
	"github.com/loqalabs/loqa-umwelt/internal/sequence"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "umwelt-spec",
		Short:        "Validate umwelt documents and inspect their audio sequences",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.AddCommand(newValidateCmd(), newSequenceCmd(), newVersionCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	var dataPath string
	cmd := &cobra.Command{
		Use:   "validate [spec]",
		Short: "Check a document and the dataset it points at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := spec.Load(args[0])
			if err != nil {
				return err
			}
			ds, err := data.FromDocument(doc, dataPath)
			if err != nil {
				return err
			}
			units := doc.Audio.Playable()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d fields, %d units, %d rows)\n", args[0], len(doc.Fields), len(units), ds.Len())
			return nil
		},
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "Dataset to use instead of the document's data source")
	return cmd
}

func newSequenceCmd() *cobra.Command {
	var (
		dataPath string
		unit     string
		rate     float64
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "sequence [spec]",
		Short: "Print the notes of an audio unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := spec.Load(args[0])
			if err != nil {
				return err
			}
			ds, err := data.FromDocument(doc, dataPath)
			if err != nil {
				return err
			}
			notes, name, err := renderSequence(doc, ds, unit, rate)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(notes)
			}
			return printNotes(cmd.OutOrStdout(), name, notes)
		},
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "Dataset to use instead of the document's data source")
	cmd.Flags().StringVar(&unit, "unit", "", "Audio unit to render (default: the first unit)")
	cmd.Flags().Float64Var(&rate, "rate", audio.DefaultPlaybackRate, "Playback rate multiplier")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print notes as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// renderSequence loads the document into a muted session and returns the
// notes of the named unit.
func renderSequence(doc spec.Document, ds *data.Dataset, unit string, rate float64) ([]sequence.Note, string, error) {
	resolver, err := domain.NewResolver(256)
	if err != nil {
		return nil, "", err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := audio.NewSession(context.Background(), sequence.NewGenerator(resolver, sequence.DefaultOptions()), resolver,
		scheduler.NoopEngine{}, audio.Options{Unvoiced: true, PlaybackRate: rate}, logger)
	defer session.Close()

	session.Load(doc, ds)
	if unit == "" {
		unit = session.Active()
	}
	notes, err := session.Notes(unit)
	if err != nil && notes == nil {
		return nil, unit, err
	}
	return notes, unit, nil
}

func printNotes(w io.Writer, unit string, notes []sequence.Note) error {
	fmt.Fprintf(w, "unit %s: %d notes\n", unit, len(notes))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ELAPSED\tDURATION\tPITCH\tVOLUME\tSPEAK")
	for _, n := range notes {
		pitch := fmt.Sprintf("%.1f", n.Pitch)
		if n.Noise {
			pitch = "noise"
		}
		fmt.Fprintf(tw, "%.3f\t%.3f\t%s\t%.2f\t%s\n", n.Elapsed, n.Duration, pitch, n.Volume, n.SpeakBefore)
	}
	return tw.Flush()
}
