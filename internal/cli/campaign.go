package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// NewCampaignCmd создаёт группу команд для управления кампаниями.
func NewCampaignCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
	}

	cmd.AddCommand(
		newCampaignTransitionCmd(clientFn, outputFn, "start", "Start a draft campaign",
			func(c *Client, id string) (*CampaignResponse, error) { return c.StartCampaign(id) }),
		newCampaignPauseCmd(clientFn, outputFn),
		newCampaignTransitionCmd(clientFn, outputFn, "resume", "Resume a paused campaign",
			func(c *Client, id string) (*CampaignResponse, error) { return c.ResumeCampaign(id) }),
		newCampaignStatusCmd(clientFn, outputFn),
	)

	return cmd
}

func newCampaignTransitionCmd(
	clientFn func() *Client,
	outputFn func() *Output,
	use, short string,
	call func(*Client, string) (*CampaignResponse, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " CAMPAIGN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			campaign, err := call(clientFn(), args[0])
			if err != nil {
				return err
			}
			printCampaign(out, campaign)
			return nil
		},
	}
}

func newCampaignPauseCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "pause CAMPAIGN_ID",
		Short: "Pause an active campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			campaign, err := clientFn().PauseCampaign(args[0], reason)
			if err != nil {
				return err
			}
			printCampaign(out, campaign)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Pause reason")
	return cmd
}

func printCampaign(out *Output, c *CampaignResponse) {
	pairs := [][2]string{
		{"ID", c.ID},
		{"Name", c.Name},
		{"Status", c.Status},
	}
	if c.PauseReason != "" {
		pairs = append(pairs, [2]string{"Pause reason", c.PauseReason})
	}
	out.KeyValue(pairs, c)
}

func newCampaignStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status CAMPAIGN_ID",
		Short: "Show campaign analytics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			stats, err := clientFn().CampaignStatus(args[0])
			if err != nil {
				return err
			}

			pairs := [][2]string{
				{"Campaign", stats.CampaignID},
				{"Status", stats.Status},
				{"Sent", strconv.Itoa(stats.Sent)},
				{"Delivered", strconv.Itoa(stats.Delivered)},
				{"Bounced", strconv.Itoa(stats.Bounced)},
				{"Complained", strconv.Itoa(stats.Complained)},
				{"Replies", strconv.Itoa(stats.Replies)},
				{"Handoffs", strconv.Itoa(stats.Handoffs)},
			}
			for _, k := range sortedKeys(stats.ContactsByStatus) {
				pairs = append(pairs, [2]string{"Contacts " + k, strconv.Itoa(stats.ContactsByStatus[k])})
			}
			for _, k := range sortedKeys(stats.JobsByStatus) {
				pairs = append(pairs, [2]string{"Jobs " + k, strconv.Itoa(stats.JobsByStatus[k])})
			}
			out.KeyValue(pairs, stats)
			return nil
		},
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewSchedulerCmd создаёт команды планировщика.
func NewSchedulerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Scheduling pass operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one scheduling pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			res, err := clientFn().RunScheduler()
			if err != nil {
				return err
			}
			out.Print(
				[]string{"CAMPAIGNS", "SCHEDULED", "COMPLETED", "SKIPPED", "PAUSED", "ERRORS"},
				[][]string{{
					strconv.Itoa(res.Campaigns), strconv.Itoa(res.Scheduled), strconv.Itoa(res.Completed),
					strconv.Itoa(res.Skipped), strconv.Itoa(res.Paused), strconv.Itoa(res.Errors),
				}},
				res,
			)
			return nil
		},
	})

	return cmd
}

// NewQueueCmd создаёт команды очереди доставки.
func NewQueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Delivery queue operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Process every ready delivery job once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			res, err := clientFn().DrainQueue()
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(res.Outcomes))
			for _, k := range sortedKeys(res.Outcomes) {
				rows = append(rows, []string{k, strconv.Itoa(res.Outcomes[k])})
			}
			out.Print([]string{"OUTCOME", "COUNT"}, rows, res)
			if !out.jsonMode {
				out.Success(fmt.Sprintf("%d jobs processed", res.Processed))
			}
			return nil
		},
	})

	return cmd
}
