// Command jobctl submits jobs to the queue server and follows their progress
// over the event stream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"llm-jobqueue/internal/infra/auth"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "jobctl",
	Short:         "Submit and watch LLM jobs",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("jobctl version %s\nCommit: %s\n", Version, Commit))

	pf := rootCmd.PersistentFlags()
	pf.String("server", envOr("JOBCTL_SERVER", "http://localhost:8080"), "queue server base URL")
	pf.String("token", os.Getenv("JOBCTL_TOKEN"), "bearer token (see `jobctl token`)")
	pf.Duration("timeout", 4*time.Minute, "HTTP timeout for ask and submit")

	tokenCmd.Flags().String("secret", os.Getenv("JOBCTL_JWT_SECRET"), "HMAC secret shared with the server")
	tokenCmd.Flags().String("user", "", "user id (token subject)")
	tokenCmd.Flags().String("email", "", "email claim")
	tokenCmd.Flags().String("issuer", "", "issuer claim, if the server checks one")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	for _, c := range []*cobra.Command{submitCmd, askCmd} {
		c.Flags().Int("priority", 0, "1 (most urgent) to 10; 0 uses the server default")
		c.Flags().String("model", "", "model override")
		c.Flags().Int("max-tokens", 0, "completion token limit")
	}
	submitCmd.Flags().Bool("watch", false, "follow the job until it finishes")
	submitCmd.Flags().String("transport", "sse", "stream transport for --watch: sse or ws")

	watchCmd.Flags().String("user", "", "user id to watch (defaults to the token subject)")
	watchCmd.Flags().String("job", "", "exit once this job finishes")
	watchCmd.Flags().String("transport", "sse", "sse or ws")

	rootCmd.AddCommand(tokenCmd, submitCmd, askCmd, statusCmd, watchCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development token signed with the server secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		user, _ := cmd.Flags().GetString("user")
		email, _ := cmd.Flags().GetString("email")
		issuer, _ := cmd.Flags().GetString("issuer")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if secret == "" {
			return fmt.Errorf("--secret or JOBCTL_JWT_SECRET is required")
		}
		tok, err := auth.NewJWTIdentity(secret, "", issuer).Mint(user, email, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit PROMPT",
	Short: "Queue a job and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFrom(cmd)
		created, err := c.Submit(cmd.Context(), requestFrom(cmd, args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (position %d)\n", created.ID, created.Status, created.QueuePosition)
		if w, _ := cmd.Flags().GetBool("watch"); !w {
			return nil
		}
		transport, _ := cmd.Flags().GetString("transport")
		return watch(cmd, c, created.UserID, created.ID, args[0], transport)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask PROMPT",
	Short: "Ask and wait for the answer (rejected when the server is busy)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := clientFrom(cmd).Ask(cmd.Context(), requestFrom(cmd, args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Response)
		fmt.Fprintf(cmd.ErrOrStderr(), "[job %s, model %s, %d tokens]\n", resp.JobID, resp.Model, resp.Usage.TotalTokens)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Print a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := clientFrom(cmd).Job(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print stream events for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFrom(cmd)
		user, _ := cmd.Flags().GetString("user")
		job, _ := cmd.Flags().GetString("job")
		transport, _ := cmd.Flags().GetString("transport")
		if user == "" {
			sub, err := tokenSubject(c.token)
			if err != nil {
				return fmt.Errorf("--user not set and %w", err)
			}
			user = sub
		}
		return watch(cmd, c, user, job, "", transport)
	},
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
