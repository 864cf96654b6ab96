package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/insightbot/internal/config"
	"github.com/kalambet/insightbot/internal/history"
	"github.com/kalambet/insightbot/internal/storage"
	"github.com/kalambet/insightbot/internal/verify"
)

type askResult struct {
	Response     string               `json:"response"`
	Record       history.SearchRecord `json:"record"`
	Persisted    bool                 `json:"persisted"`
	VerifyQueued bool                 `json:"verify_queued"`
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Ask the agent a question and record the answer",
	Long: `Ask the agent a question. The answer is printed and recorded in the
search history.

Examples:
  insightbot ask "What is the price of the iPhone 15?"
  insightbot ask --session work "and the Pro model?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		return ask(cmd, session, strings.Join(args, " "))
	},
}

func init() {
	askCmd.Flags().String("session", "", "conversation id for follow-up questions")
}

func ask(cmd *cobra.Command, session, query string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.post(cmd.Context(), "/ask", map[string]string{
		"query":      query,
		"session_id": session,
	})
	if err != nil {
		return err
	}

	var res askResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.Response)
	if !res.Persisted {
		printWarning("history storage unavailable; this answer is kept in memory only")
	}
	printStatus("Record", "%s", res.Record.ID)
	return nil
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse, analyse and export the search history",
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("brand", "", "brand substring (case-insensitive)")
	cmd.Flags().String("model", "", "model substring (case-insensitive)")
	cmd.Flags().String("source", "", `source: database, web, both or unknown`)
	cmd.Flags().String("from", "", "earliest date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().String("to", "", "latest date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringP("query", "q", "", "text in the question or answer")
	cmd.Flags().String("session", "", "session id")
}

func filterQuery(cmd *cobra.Command) url.Values {
	q := url.Values{}
	for flag, param := range map[string]string{
		"brand":   "brand",
		"model":   "model",
		"source":  "source",
		"from":    "from",
		"to":      "to",
		"query":   "q",
		"session": "session_id",
	} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			q.Set(param, v)
		}
	}
	return q
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded searches, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := filterQuery(cmd)
		q.Set("limit", strconv.Itoa(limit))
		if offset > 0 {
			q.Set("offset", strconv.Itoa(offset))
		}
		resp, err := client.get(cmd.Context(), withQuery("/history", q))
		if err != nil {
			return err
		}

		var recs []history.SearchRecord
		if err := decodeJSON(resp, &recs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return writeIndented(out, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, "No records found.")
			return nil
		}
		for _, r := range recs {
			printRecordLine(out, r)
		}
		return nil
	},
}

func printRecordLine(w io.Writer, r history.SearchRecord) {
	product := strings.TrimSpace(r.Brand + " " + r.Model)
	if product == "" {
		product = "-"
	}
	price := history.PriceRange(r.PriceDetails)
	if price == "" {
		price = "-"
	}
	fmt.Fprintf(w, "%s  %s  %-24s  %-20s  %-14s  %s\n",
		colorize(colorCyan, shortID(r.ID)),
		r.Timestamp.Format("2006-01-02 15:04"),
		truncate(product, 24),
		price,
		r.Source,
		truncate(r.UserQuery, 60),
	)
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one record; --rerun asks its question again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rerun, _ := cmd.Flags().GetBool("rerun")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/history/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var rec history.SearchRecord
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		if !rerun {
			return writeIndented(cmd.OutOrStdout(), rec)
		}
		printStep("Re-running: %s", rec.UserQuery)
		return ask(cmd, rec.SessionID, rec.UserQuery)
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show history statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/history/stats")
		if err != nil {
			return err
		}
		var st history.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Total searches:     %d\n", st.Total)
		fmt.Fprintf(out, "Unique brands:      %d\n", st.UniqueBrands)
		fmt.Fprintf(out, "With prices:        %d\n", st.WithPrices)
		fmt.Fprintf(out, "Last 7 days:        %d\n", st.LastSevenDays)
		fmt.Fprintf(out, "Avg URLs/search:    %.2f\n", st.AvgURLs)
		fmt.Fprintf(out, "Avg vendors/search: %.2f\n", st.AvgVendors)
		return nil
	},
}

var historyAnalyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Rank brands, models, vendors and sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		top, _ := cmd.Flags().GetInt("top")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), withQuery("/history/analytics", filterQuery(cmd)))
		if err != nil {
			return err
		}
		var s history.Summary
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %d\n", colorize(colorBold, "Searches:"), s.Total)
		printRanking(out, "Brands", history.Top(s.Brands, top))
		printRanking(out, "Models", history.Top(s.Models, top))
		printRanking(out, "Vendors", history.Top(s.Vendors, top))
		printRanking(out, "Sources", history.Top(s.Sources, 0))
		printRanking(out, "Daily", s.Days())
		return nil
	},
}

func printRanking(w io.Writer, title string, counts []history.Count) {
	fmt.Fprintf(w, "\n%s\n", colorize(colorBold, title))
	if len(counts) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, c := range counts {
		fmt.Fprintf(w, "  %-30s %d\n", c.Key, c.Count)
	}
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records as CSV or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		if _, err := history.ParseFormat(format); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := filterQuery(cmd)
		q.Set("format", format)
		resp, err := client.get(cmd.Context(), withQuery("/history/export", q))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		if output != "" {
			printSuccess("History exported to %s", output)
		}
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the search history, or only records older than N days",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("older-than-days")
		confirm, _ := cmd.Flags().GetBool("confirm")
		if days < 0 {
			return fmt.Errorf("--older-than-days must not be negative")
		}
		if days == 0 && !confirm {
			printWarning("This will delete the ENTIRE search history. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/history"
		if days > 0 {
			path = withQuery(path, url.Values{"older_than_days": {strconv.Itoa(days)}})
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		var res struct {
			Removed   int  `json:"removed"`
			Persisted bool `json:"persisted"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if !res.Persisted {
			printWarning("history storage unavailable; change applies to the in-memory copy only")
		}
		printSuccess("Removed %d record(s)", res.Removed)
		return nil
	},
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Check that the URLs cited by a record are reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/history/"+url.PathEscape(args[0])+"/verify", nil)
		if err != nil {
			return err
		}
		var res struct {
			Results []verify.Result `json:"results"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(res.Results) == 0 {
			fmt.Fprintln(out, "Record cites no URLs.")
			return nil
		}
		for _, r := range res.Results {
			mark, detail := colorize(colorGreen, "✓"), strconv.Itoa(r.StatusCode)
			if !r.Reachable {
				mark = colorize(colorRed, "✗")
				if r.Error != "" {
					detail = r.Error
				}
			}
			fmt.Fprintf(out, "%s %s %s\n", mark, r.URL, colorize(colorDim, "("+detail+")"))
		}
		return nil
	},
}

func init() {
	addFilterFlags(historyListCmd)
	historyListCmd.Flags().Int("limit", 20, "maximum number of records")
	historyListCmd.Flags().Int("offset", 0, "records to skip")
	historyListCmd.Flags().Bool("json", false, "print records as JSON")

	historyShowCmd.Flags().Bool("rerun", false, "ask the recorded question again")

	addFilterFlags(historyAnalyticsCmd)
	historyAnalyticsCmd.Flags().Int("top", 10, "entries per ranking")

	addFilterFlags(historyExportCmd)
	historyExportCmd.Flags().String("format", "csv", "csv or json")
	historyExportCmd.Flags().StringP("output", "o", "", "output file path (default: stdout)")

	historyClearCmd.Flags().Int("older-than-days", 0, "only delete records older than this many days")
	historyClearCmd.Flags().Bool("confirm", false, "confirm deleting the whole history")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.AddCommand(historyAnalyticsCmd)
	historyCmd.AddCommand(historyExportCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyVerifyCmd)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "List, show and delete agent conversations",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"limit": {strconv.Itoa(limit)}}
		if all {
			q.Set("archived", "true")
		}
		resp, err := client.get(cmd.Context(), withQuery("/sessions", q))
		if err != nil {
			return err
		}
		var sessions []storage.Session
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}
		for _, s := range sessions {
			state := ""
			if s.Archived {
				state = colorize(colorDim, " (archived)")
			}
			fmt.Fprintf(out, "%-36s  %s  %3d messages%s\n",
				colorize(colorCyan, s.ID),
				s.UpdatedAt.Format("2006-01-02 15:04"),
				s.MessageCount,
				state,
			)
		}
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var res struct {
			Messages []storage.Message `json:"messages"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, m := range res.Messages {
			fmt.Fprintf(out, "%s %s\n%s\n\n",
				colorize(colorBold, m.Role+":"),
				colorize(colorDim, m.CreatedAt.Format("2006-01-02 15:04")),
				m.Content,
			)
		}
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &struct{}{}); err != nil {
			return err
		}
		printSuccess("Deleted session %s", args[0])
		return nil
	},
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Hide a conversation from the default listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/archive", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &struct{}{}); err != nil {
			return err
		}
		printSuccess("Archived session %s", args[0])
		return nil
	},
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count active conversations and messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions/stats")
		if err != nil {
			return err
		}
		var st storage.SessionStats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Active sessions:  %d\n", st.Sessions)
		fmt.Fprintf(out, "Messages:         %d\n", st.Messages)
		fmt.Fprintf(out, "Active last 7d:   %d\n", st.Recent)
		return nil
	},
}

func init() {
	sessionListCmd.Flags().Int("limit", 20, "maximum number of sessions")
	sessionListCmd.Flags().Bool("all", false, "include archived sessions")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionArchiveCmd)
	sessionCmd.AddCommand(sessionStatsCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Secrets such as agent.api_key are stored in the platform keychain.\n\nKeys: " +
		strings.Join(config.ValidKeys(), ", "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if strings.HasSuffix(key, "api_key") || strings.HasSuffix(key, "password") {
			printSuccess("Stored %s in the keychain", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
