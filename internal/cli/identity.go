package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewIdentityCmd создаёт группу команд для отправляющих аккаунтов.
func NewIdentityCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage sending identities",
	}

	cmd.AddCommand(
		newIdentityListCmd(clientFn, outputFn),
		newIdentityActionCmd(clientFn, outputFn, "show", "Show identity details",
			func(c *Client, id string) (*IdentityResponse, error) { return c.GetIdentity(id) }),
		newIdentityActionCmd(clientFn, outputFn, "pause", "Pause an identity",
			func(c *Client, id string) (*IdentityResponse, error) { return c.PauseIdentity(id) }),
		newIdentityActionCmd(clientFn, outputFn, "resume", "Resume an identity after a health probe",
			func(c *Client, id string) (*IdentityResponse, error) { return c.ResumeIdentity(id) }),
	)

	return cmd
}

func newIdentityListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities of a tenant with usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			usage, err := clientFn().ListIdentities(tenantID)
			if err != nil {
				return err
			}

			headers := []string{"ID", "EMAIL", "PROVIDER", "STATUS", "HEALTH", "SENT_TODAY", "REMAINING", "ERRORS"}
			rows := make([][]string, len(usage))
			for i, u := range usage {
				rows[i] = []string{
					u.IdentityID, u.Email, u.Provider, u.Status,
					strconv.Itoa(u.HealthScore),
					fmt.Sprintf("%d/%d", u.DailySent, u.DailyLimit),
					strconv.Itoa(u.RemainingQuota),
					strconv.Itoa(u.ConsecutiveErrors),
				}
			}
			out.Print(headers, rows, usage)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant ID")
	cmd.MarkFlagRequired("tenant-id")
	return cmd
}

func newIdentityActionCmd(
	clientFn func() *Client,
	outputFn func() *Output,
	use, short string,
	call func(*Client, string) (*IdentityResponse, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " IDENTITY_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			ident, err := call(clientFn(), args[0])
			if err != nil {
				return err
			}

			pairs := [][2]string{
				{"ID", ident.ID},
				{"Email", ident.Email},
				{"Provider", ident.Provider},
				{"Status", ident.Status},
				{"Health", strconv.Itoa(ident.HealthScore)},
				{"Sent today", fmt.Sprintf("%d/%d", ident.DailySent, ident.DailyLimit)},
				{"Consecutive errors", strconv.Itoa(ident.ConsecutiveErrors)},
			}
			if ident.LastError != "" {
				pairs = append(pairs, [2]string{"Last error", ident.LastError})
			}
			out.KeyValue(pairs, ident)
			return nil
		},
	}
}

// NewContactCmd создаёт команды для контактов.
func NewContactCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "resume CONTACT_ID",
		Short: "Resume a paused contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			c, err := clientFn().ResumeContact(args[0])
			if err != nil {
				return err
			}
			out.KeyValue([][2]string{
				{"ID", c.ID},
				{"Email", c.Email},
				{"Status", c.Status},
				{"Step", strconv.Itoa(c.SequencePosition)},
				{"Next send", c.NextEligibleSendAt},
			}, c)
			return nil
		},
	})

	return cmd
}

// NewConversationCmd создаёт команды для диалогов.
func NewConversationCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Inspect conversations",
	}

	var campaignID string
	var handoff bool

	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations of a campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			convs, err := clientFn().ListConversations(campaignID, handoff)
			if err != nil {
				return err
			}

			headers := []string{"ID", "CONTACT_ID", "STAGE", "STATUS", "INTENT", "HANDOFF", "REPLIES"}
			rows := make([][]string, len(convs))
			for i, c := range convs {
				rows[i] = []string{
					c.ID, c.ContactID, c.Stage, c.Status, c.LastIntent,
					strconv.FormatBool(c.RequiresHandoff), strconv.Itoa(c.TotalResponses),
				}
			}
			out.Print(headers, rows, convs)
			return nil
		},
	}
	list.Flags().StringVar(&campaignID, "campaign-id", "", "Campaign ID")
	list.Flags().BoolVar(&handoff, "handoff", false, "Only conversations awaiting a human")
	list.MarkFlagRequired("campaign-id")

	cmd.AddCommand(list)
	return cmd
}
