package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/config"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/poller"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/preferences"
	"github.com/kurihiro0119/gitlab-activity-monitor/pkg/client"
)

var (
	cfgFile    string
	endpoint   string
	outputJSON bool
	showAll    bool
	notesLimit int
)

var rootCmd = &cobra.Command{
	Use:   "gitlab-monitor",
	Short: "GitLab activity monitor",
	Long: `A CLI for the GitLab activity monitor API.

The monitor polls one or more GitLab accounts for merge requests, pipelines
and releases and keeps an aggregated status. This tool reads that status and
manages accounts, the project watch list and dismissals.`,
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the aggregated status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var mrsCmd = &cobra.Command{
	Use:   "mrs",
	Short: "List merge requests",
	Args:  cobra.NoArgs,
	RunE:  runMergeRequests,
}

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List pipelines of watched projects",
	Args:  cobra.NoArgs,
	RunE:  runPipelines,
}

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List releases of watched projects",
	Args:  cobra.NoArgs,
	RunE:  runReleases,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a refresh cycle now",
	Args:  cobra.NoArgs,
	RunE:  runRefresh,
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss [merge_request|pipeline|release] [id]",
	Short: "Hide an item from the status",
	Args:  cobra.ExactArgs(2),
	RunE:  runDismiss,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [merge_request|pipeline|release] [id]",
	Short: "Undo a dismissal, or every dismissal of a kind when no id is given",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRestore,
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show recently delivered notifications",
	Args:  cobra.NoArgs,
	RunE:  runNotifications,
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage GitLab accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccountsList,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add [instance-url] [token] [name]",
	Short: "Add an account after validating its token",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runAccountsAdd,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove [account-id]",
	Short: "Remove an account and its token",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

var accountsEnableCmd = &cobra.Command{
	Use:   "enable [account-id]",
	Short: "Include an account in polling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAccountActive(args[0], true)
	},
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable [account-id]",
	Short: "Exclude an account from polling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAccountActive(args[0], false)
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects [account-id] [query]",
	Short: "Search projects of an account",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runProjects,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage the project watch list",
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show watched project ids",
	Args:  cobra.NoArgs,
	RunE:  runWatchList,
}

var watchAddCmd = &cobra.Command{
	Use:   "add [project-id]",
	Short: "Watch a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatchAdd,
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove [project-id]",
	Short: "Stop watching a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatchRemove,
}

var notesCmd = &cobra.Command{
	Use:   "notes [account-id] [project-id] [mr-iid]",
	Short: "Show the latest comments of a merge request",
	Args:  cobra.ExactArgs(3),
	RunE:  runNotes,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (environment and .env are always read)")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "API endpoint (default from API_ENDPOINT)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	mrsCmd.Flags().BoolVar(&showAll, "all", false, "include dismissed items")
	pipelinesCmd.Flags().BoolVar(&showAll, "all", false, "include dismissed items")
	releasesCmd.Flags().BoolVar(&showAll, "all", false, "include dismissed items")
	notesCmd.Flags().IntVar(&notesLimit, "limit", poller.DefaultNotesLimit, "number of comments")

	rootCmd.AddCommand(statusCmd, mrsCmd, pipelinesCmd, releasesCmd, refreshCmd)
	rootCmd.AddCommand(dismissCmd, restoreCmd, notificationsCmd, projectsCmd, notesCmd)

	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsRemoveCmd, accountsEnableCmd, accountsDisableCmd)

	rootCmd.AddCommand(watchCmd)
	watchCmd.AddCommand(watchListCmd, watchAddCmd, watchRemoveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getClient() (*client.Client, error) {
	if endpoint != "" {
		return client.NewClient(endpoint), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return client.NewClient(cfg.APIEndpoint), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func fetchSnapshot(ctx context.Context) (*domain.Snapshot, *preferences.Preferences, error) {
	c, err := getClient()
	if err != nil {
		return nil, nil, err
	}
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	prefs, err := c.Preferences(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return snap, prefs, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	snap, prefs, err := fetchSnapshot(cmd.Context())
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(snap)
	}

	fmt.Printf("\nStatus: %s\n", snap.Status)
	fmt.Printf("Updated: %s\n", formatTime(snap.UpdatedAt))
	if snap.Error != "" {
		fmt.Printf("Last error: %s\n", snap.Error)
	}
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Item", "Visible", "Dismissed"})
	table.Append(countRow("Merge Requests", len(snap.MergeRequests), countDismissed(prefs.Dismissed(domain.KindMergeRequest), mergeRequestIDs(snap.MergeRequests))))
	table.Append(countRow("Pipelines", len(snap.Pipelines), countDismissed(prefs.Dismissed(domain.KindPipeline), pipelineIDs(snap.Pipelines))))
	table.Append(countRow("Releases", len(snap.Releases), countDismissed(prefs.Dismissed(domain.KindRelease), releaseIDs(snap.Releases))))
	table.Append([]string{"Watched Projects", strconv.Itoa(len(prefs.WatchedProjectIDs)), "-"})
	table.Render()

	return nil
}

func countRow(label string, total, dismissed int) []string {
	return []string{label, strconv.Itoa(total - dismissed), strconv.Itoa(dismissed)}
}

func countDismissed(set domain.IDSet, ids []int64) int {
	n := 0
	for _, id := range ids {
		if set.Has(id) {
			n++
		}
	}
	return n
}

func mergeRequestIDs(mrs []domain.MergeRequest) []int64 {
	ids := make([]int64, 0, len(mrs))
	for _, mr := range mrs {
		ids = append(ids, mr.ID)
	}
	return ids
}

func pipelineIDs(pipelines []domain.Pipeline) []int64 {
	ids := make([]int64, 0, len(pipelines))
	for _, p := range pipelines {
		ids = append(ids, p.ID)
	}
	return ids
}

func releaseIDs(releases []domain.Release) []int64 {
	ids := make([]int64, 0, len(releases))
	for _, r := range releases {
		ids = append(ids, r.ID)
	}
	return ids
}

func runMergeRequests(cmd *cobra.Command, args []string) error {
	snap, prefs, err := fetchSnapshot(cmd.Context())
	if err != nil {
		return err
	}

	dismissed := prefs.Dismissed(domain.KindMergeRequest)
	mrs := make([]domain.MergeRequest, 0, len(snap.MergeRequests))
	for _, mr := range snap.MergeRequests {
		if showAll || !dismissed.Has(mr.ID) {
			mrs = append(mrs, mr)
		}
	}

	if outputJSON {
		return printJSON(mrs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Project", "!IID", "Title", "Role", "Author", "Updated"})
	for _, mr := range mrs {
		title := truncate(mr.Title, 50)
		if mr.Draft {
			title = "[draft] " + title
		}
		table.Append([]string{
			strconv.FormatInt(mr.ID, 10),
			mr.ProjectPath,
			strconv.FormatInt(mr.IID, 10),
			title,
			string(mr.UserRole),
			mr.Author.Username,
			formatTime(mr.UpdatedAt),
		})
	}
	table.Render()

	return nil
}

func runPipelines(cmd *cobra.Command, args []string) error {
	snap, prefs, err := fetchSnapshot(cmd.Context())
	if err != nil {
		return err
	}

	dismissed := prefs.Dismissed(domain.KindPipeline)
	pipelines := make([]domain.Pipeline, 0, len(snap.Pipelines))
	for _, p := range snap.Pipelines {
		if showAll || !dismissed.Has(p.ID) {
			pipelines = append(pipelines, p)
		}
	}

	if outputJSON {
		return printJSON(pipelines)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Project", "Ref", "Status", "Failed Jobs", "Created"})
	for _, p := range pipelines {
		table.Append([]string{
			strconv.FormatInt(p.ID, 10),
			p.ProjectPath,
			p.Ref,
			string(p.Status),
			failedJobs(p.Jobs),
			formatTime(p.CreatedAt),
		})
	}
	table.Render()

	return nil
}

func failedJobs(jobs []domain.PipelineJob) string {
	var names []string
	for _, j := range jobs {
		if j.Status == string(domain.PipelineFailed) {
			names = append(names, j.Name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}

func runReleases(cmd *cobra.Command, args []string) error {
	snap, prefs, err := fetchSnapshot(cmd.Context())
	if err != nil {
		return err
	}

	dismissed := prefs.Dismissed(domain.KindRelease)
	releases := make([]domain.Release, 0, len(snap.Releases))
	for _, r := range snap.Releases {
		if showAll || !dismissed.Has(r.ID) {
			releases = append(releases, r)
		}
	}

	if outputJSON {
		return printJSON(releases)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Project", "Tag", "Name", "Released", "Deployment"})
	for _, r := range releases {
		deployment := "-"
		if r.Deployment != nil {
			deployment = fmt.Sprintf("%s (%s)", r.Deployment.Environment, r.Deployment.Status)
		}
		table.Append([]string{
			strconv.FormatInt(r.ID, 10),
			r.ProjectPath,
			r.TagName,
			truncate(r.Name, 40),
			formatTime(r.ReleasedAt),
			deployment,
		})
	}
	table.Render()

	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	c, err := getClient()
	if err != nil {
		return err
	}

	snap, err := c.Refresh(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to refresh: %w", err)
	}

	if outputJSON {
		return printJSON(snap)
	}

	fmt.Printf("Status: %s (%d merge requests, %d pipelines, %d releases)\n",
		snap.Status, len(snap.MergeRequests), len(snap.Pipelines), len(snap.Releases))
	if snap.Error != "" {
		fmt.Printf("Last error: %s\n", snap.Error)
	}
	return nil
}

func runDismiss(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[1])
	if err != nil {
		return err
	}

	c, err := getClient()
	if err != nil {
		return err
	}

	snap, err := c.Dismiss(cmd.Context(), args[0], id)
	if err != nil {
		return fmt.Errorf("failed to dismiss: %w", err)
	}
	fmt.Printf("Dismissed %s %d. Status: %s\n", args[0], id, snap.Status)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	c, err := getClient()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		snap, err := c.RestoreAll(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to restore: %w", err)
		}
		fmt.Printf("Restored all %s items. Status: %s\n", args[0], snap.Status)
		return nil
	}

	id, err := parseID(args[1])
	if err != nil {
		return err
	}
	snap, err := c.Restore(cmd.Context(), args[0], id)
	if err != nil {
		return fmt.Errorf("failed to restore: %w", err)
	}
	fmt.Printf("Restored %s %d. Status: %s\n", args[0], id, snap.Status)
	return nil
}

func runNotifications(cmd *cobra.Command, args []string) error {
	c, err := getClient()
	if err != nil {
		return err
	}

	events, err := c.Notifications(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get notifications: %w", err)
	}

	if outputJSON {
		return printJSON(events)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Time", "Kind", "Title", "Body"})
	for _, e := range events {
		table.Append([]string{formatTime(e.At), string(e.Kind), truncate(e.Title, 40), truncate(e.Body, 60)})
	}
	table.Render()

	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	c, err := getClient()
	if err != nil {
		return err
	}

	accounts, err := c.ListAccounts(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	if outputJSON {
		return printJSON(accounts)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Instance", "Username", "Active"})
	for _, a := range accounts {
		table.Append([]string{a.ID, a.Name, a.InstanceURL, a.Username, strconv.FormatBool(a.IsActive)})
	}
	table.Render()

	return nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	input := domain.AccountInput{InstanceURL: args[0], Token: args[1]}
	if len(args) == 3 {
		input.Name = args[2]
	}

	c, err := getClient()
	if err != nil {
		return err
	}

	account, err := c.AddAccount(cmd.Context(), input)
	if err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}

	if outputJSON {
		return printJSON(account)
	}
	fmt.Printf("Added account %s (%s as @%s)\n", account.ID, account.InstanceURL, account.Username)
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	c, err := getClient()
	if err != nil {
		return err
	}

	if err := c.RemoveAccount(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	fmt.Printf("Removed account %s\n", args[0])
	return nil
}

func setAccountActive(id string, active bool) error {
	c, err := getClient()
	if err != nil {
		return err
	}

	account, err := c.UpdateAccount(context.Background(), id, poller.AccountUpdate{IsActive: &active})
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	fmt.Printf("Account %s active: %t\n", account.ID, account.IsActive)
	return nil
}

func runProjects(cmd *cobra.Command, args []string) error {
	query := ""
	if len(args) == 2 {
		query = args[1]
	}

	c, err := getClient()
	if err != nil {
		return err
	}

	projects, err := c.SearchProjects(cmd.Context(), args[0], query)
	if err != nil {
		return fmt.Errorf("failed to search projects: %w", err)
	}

	if outputJSON {
		return printJSON(projects)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Path", "URL"})
	for _, p := range projects {
		table.Append([]string{strconv.FormatInt(p.ID, 10), p.PathWithNamespace, p.WebURL})
	}
	table.Render()

	return nil
}

func runWatchList(cmd *cobra.Command, args []string) error {
	c, err := getClient()
	if err != nil {
		return err
	}

	prefs, err := c.Preferences(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get preferences: %w", err)
	}

	if outputJSON {
		return printJSON(prefs.WatchedProjectIDs)
	}
	for _, id := range prefs.WatchedProjectIDs {
		fmt.Println(id)
	}
	return nil
}

func runWatchAdd(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	c, err := getClient()
	if err != nil {
		return err
	}

	if err := c.WatchProject(cmd.Context(), id); err != nil {
		return fmt.Errorf("failed to watch project: %w", err)
	}
	fmt.Printf("Watching project %d\n", id)
	return nil
}

func runWatchRemove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	c, err := getClient()
	if err != nil {
		return err
	}

	if err := c.UnwatchProject(cmd.Context(), id); err != nil {
		return fmt.Errorf("failed to unwatch project: %w", err)
	}
	fmt.Printf("Stopped watching project %d\n", id)
	return nil
}

func runNotes(cmd *cobra.Command, args []string) error {
	projectID, err := parseID(args[1])
	if err != nil {
		return err
	}
	iid, err := parseID(args[2])
	if err != nil {
		return err
	}

	c, err := getClient()
	if err != nil {
		return err
	}

	notes, err := c.MergeRequestNotes(cmd.Context(), args[0], projectID, iid, notesLimit)
	if err != nil {
		return fmt.Errorf("failed to get notes: %w", err)
	}

	if outputJSON {
		return printJSON(notes)
	}

	for _, n := range notes {
		fmt.Printf("%s @%s\n%s\n\n", n.CreatedAt, n.Author.Username, n.Body)
	}
	return nil
}
