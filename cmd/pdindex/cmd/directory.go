package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdindex/internal/daemon"
	"github.com/Aman-CERP/pdindex/internal/output"
	"github.com/Aman-CERP/pdindex/internal/search"
)

func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <participant-id>...",
		Short: "Queue participants for indexing",
		Long: `Queue one or more participants for (re)indexing.

The server fetches each business card asynchronously; a failed fetch is
retried in the background. Use 'pdindex reindex' to watch retries.`,
		Example: `  pdindex submit iso6523-actorid-upis::9915:test`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			for _, id := range args {
				if err := client.Upsert(cmd.Context(), id); err != nil {
					return fmt.Errorf("submit %s: %w", id, err)
				}
				out.Successf("Queued %s", id)
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <participant-id>...",
		Short: "Remove participants from the directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			for _, id := range args {
				if err := client.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				out.Successf("Deletion queued for %s", id)
			}
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	var country string
	var filters []string
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the participant directory",
		Long: `Search indexed participants by name, identifier or free text.

Filters have the form field:type:op[:value] and are combined with AND.
An empty type uses the field's registered type.`,
		Example: `  # Full text
  pdindex search "acme"

  # All Austrian participants
  pdindex search --country AT

  # Filter expression
  pdindex search --filter "country::eq:at" --filter "name:string:contains:gmbh"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := search.Request{
				Country: country,
				Filters: filters,
				Limit:   limit,
			}
			if len(args) == 1 {
				req.Text = args[0]
			}
			return runSearch(cmd, req, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&country, "country", "", "Restrict to a country code")
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "Filter expression (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of results")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	return cmd
}

func runSearch(cmd *cobra.Command, req search.Request, jsonOutput bool) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	resp, err := client.Search(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if jsonOutput {
		return out.JSON(resp)
	}

	rows := make([][]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		var names, countries []string
		if hit.Document != nil && hit.Document.Card != nil {
			names = hit.Document.Card.Names()
			countries = hit.Document.Card.CountryCodes()
		}
		rows = append(rows, []string{
			hit.ParticipantID,
			fmt.Sprintf("%.2f", hit.Score),
			strings.Join(countries, ","),
			strings.Join(names, "; "),
		})
	}
	out.Table([]string{"participant", "score", "country", "name"}, rows, "No participants found")
	if resp.Truncated {
		out.Newline()
		out.Warningf("Scanned %d candidates before stopping; narrow the query for complete results", resp.Scanned)
	}
	return nil
}

func newExportCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "export <participants|businesscards>",
		Short: "Export the directory as XML",
		Long: `Stream an XML export of the directory.

participants lists the IDs of all live participants; businesscards
includes the full business card of each.`,
		Example: `  pdindex export participants
  pdindex export businesscards -o directory.xml`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(daemon.ExportParticipants), string(daemon.ExportBusinessCards)},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			if err := client.Export(cmd.Context(), daemon.ExportKind(args[0]), w); err != nil {
				return err
			}
			if outputPath != "" {
				output.New(cmd.ErrOrStderr()).Successf("Wrote %s", outputPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write to a file instead of stdout")

	return cmd
}
