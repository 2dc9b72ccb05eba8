package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ciris/internal/runtime"
	"ciris/internal/types"
)

var (
	submitChannel string
	submitAuthor  string
	submitRounds  int
)

// submitCmd queues a message as a new task
var submitCmd = &cobra.Command{
	Use:   "submit [message]",
	Short: "Submit a message to the agent as a new task",
	Long: `Creates a task from a message exactly the way an ingress adapter
would: the content is filtered, secrets are lifted out, and the task is
audited and queued.

With --rounds N the processor is stepped up to N rounds in-process and
agent replies print to stdout, so a task can be watched end to end
without a running agent. With --rounds 0 the task stays queued for the
next 'ciris run'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: submitMessage,
}

func init() {
	submitCmd.Flags().StringVar(&submitChannel, "channel", "cli", "Channel the message arrives on")
	submitCmd.Flags().StringVar(&submitAuthor, "author", "operator", "Author of the message")
	submitCmd.Flags().IntVar(&submitRounds, "rounds", 0, "Process up to this many rounds before exiting")
}

// consoleComm prints agent replies to stdout, standing in for a chat
// adapter during in-proc submits.
type consoleComm struct {
	out io.Writer
}

func (c *consoleComm) SendMessage(_ context.Context, channelID, content string) error {
	fmt.Fprintf(c.out, "[%s] %s\n", channelID, content)
	return nil
}

func (c *consoleComm) FetchMessages(_ context.Context, _ string, _ int) ([]types.FetchedMessage, error) {
	return nil, nil
}

func submitMessage(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rt, err := runtime.New(runtime.Options{ConfigPath: configPath})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if submitRounds > 0 {
		if err := rt.LoadAdapter("console", []runtime.AdapterRegistration{{
			ServiceType:  types.ServiceCommunication,
			Name:         "console",
			Provider:     &consoleComm{out: cmd.OutOrStdout()},
			Priority:     types.PriorityNormal,
			Capabilities: []types.Capability{types.CapSendMessage, types.CapFetchMessages},
		}}); err != nil {
			return fmt.Errorf("failed to mount console adapter: %w", err)
		}
	}

	content := strings.Join(args, " ")
	taskID, err := rt.SubmitMessage(ctx, types.IncomingMessage{
		AuthorID:   submitAuthor,
		AuthorName: submitAuthor,
		ChannelID:  submitChannel,
		Content:    content,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	logger.Info("Task queued", zap.String("task_id", taskID))
	fmt.Printf("Task %s queued on channel %s\n", taskID, submitChannel)

	if submitRounds == 0 {
		return nil
	}

	// Step the processor by hand: paused single-steps never race a loop.
	if err := rt.Pause(ctx); err != nil {
		return err
	}
	for i := 1; i <= submitRounds; i++ {
		n, err := rt.Step(ctx)
		if err != nil {
			return fmt.Errorf("round %d failed: %w", i, err)
		}
		logger.Debug("Round complete", zap.Int("round", i), zap.Int("processed", n))

		task, err := rt.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			fmt.Printf("Task %s finished: %s\n", taskID, task.Status)
			return nil
		}
	}
	fmt.Printf("Task %s still in progress after %d rounds\n", taskID, submitRounds)
	return nil
}
