package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/hubclient"
	"live-quiz-service/internal/presenter"
	"live-quiz-service/internal/telemetry"
	"live-quiz-service/internal/voter"
)

type clientFlags struct {
	url      string
	token    string
	name     string
	logLevel string
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	envURL := os.Getenv("HUB_URL")
	if envURL == "" {
		envURL = "ws://localhost:8080/ws"
	}
	cmd.Flags().StringVar(&f.url, "url", envURL, "hub websocket URL")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("HUB_TOKEN"), "bearer token identifying the user")
	cmd.Flags().StringVar(&f.name, "name", "", "display name shown to others")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "warn", "client log level")
}

func (f *clientFlags) connect(ctx context.Context) (*hubclient.Conn, error) {
	telemetry.SetupLogging(os.Stderr, f.logLevel)
	if f.token == "" {
		return nil, fmt.Errorf("a --token is required")
	}
	conn := hubclient.New(hubclient.Options{URL: f.url, DisplayName: f.name})
	if err := conn.Connect(ctx, f.token); err != nil {
		return nil, err
	}
	return conn, nil
}

// printer serializes view rendering coming from hub callbacks and the input loop.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// NewPresentCmd runs a presenter console for one exam.
func NewPresentCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "present <examId>",
		Short: "Present an exam live from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := flags.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			return runPresenter(cmd.Context(), conn, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags.bind(cmd)
	return cmd
}

func runPresenter(ctx context.Context, hub presenter.Hub, examID string, in io.Reader, out io.Writer) error {
	p := &printer{out: out}
	ctrl := presenter.New(hub, presenter.WithOnChange(func(v presenter.View) { p.printf("%s", renderPresenter(v)) }))
	defer ctrl.Close()

	code, err := ctrl.StartQuiz(ctx, examID)
	if err != nil {
		return err
	}
	p.printf("join code: %s\ncommands: next, prev, reveal, end\n", code)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd := strings.ToLower(strings.TrimSpace(scanner.Text()))
		switch cmd {
		case "":
			continue
		case "next", "n":
			_, err = ctrl.NextQuestion(ctx)
		case "prev", "p":
			_, err = ctrl.PreviousQuestion(ctx)
		case "reveal", "r":
			var answer string
			answer, err = ctrl.RevealAnswer(ctx)
			if err == nil {
				p.printf("correct answer: %s\n", answer)
			}
		case "end", "quit", "q":
			return ctrl.EndQuiz(ctx)
		default:
			p.printf("unknown command %q\n", cmd)
			continue
		}
		if err != nil && !domain.IsBenign(err) {
			p.printf("error: %v\n", err)
		}
		if ctrl.View().State == domain.StateEnded {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("read presenter input")
	}
	return ctrl.EndQuiz(ctx)
}

func renderPresenter(v presenter.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", v.Connection, v.State)
	if v.Paused {
		b.WriteString(" (paused)")
	}
	fmt.Fprintf(&b, " participants=%d\n", len(v.Roster))
	if v.Question == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "Q%d/%d %s\n", v.Index+1, v.TotalQuestions, v.Question.Content)
	for i, opt := range v.Question.Options {
		letter := domain.OptionLetter(i)
		fmt.Fprintf(&b, "  %s) %-20s %3d  %5.1f%%\n", letter, opt, v.Counts[letter], v.Percentages[letter])
	}
	if len(v.Question.Options) == 0 {
		for answer, n := range v.Counts {
			fmt.Fprintf(&b, "  %-22s %3d\n", answer, n)
		}
	}
	fmt.Fprintf(&b, "  responses: %d", v.TotalResponses)
	if v.Revealed {
		fmt.Fprintf(&b, "  answer: %s", v.CorrectAnswer)
	}
	b.WriteString("\n")
	return b.String()
}

// NewVoteCmd joins a live quiz by code and answers from the terminal.
func NewVoteCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "vote <code>",
		Short: "Join a live quiz and answer from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := flags.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			return runVoter(cmd.Context(), conn, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags.bind(cmd)
	return cmd
}

func runVoter(ctx context.Context, hub voter.Hub, code string, in io.Reader, out io.Writer) error {
	p := &printer{out: out}
	ctrl := voter.New(hub, voter.WithOnChange(func(v voter.View) { p.printf("%s", renderVoter(v)) }))
	defer ctrl.Close()

	if err := ctrl.JoinQuiz(ctx, code); err != nil {
		return err
	}
	p.printf("joined; type an answer, or leave\n")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "leave") {
			return ctrl.LeaveQuiz(ctx)
		}
		v := ctrl.View()
		if v.State == domain.StateEnded {
			return nil
		}
		if v.Question == nil {
			p.printf("no question yet\n")
			continue
		}
		if err := ctrl.SubmitAnswer(ctx, v.Question.ID, line); err != nil && !domain.IsBenign(err) {
			p.printf("error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("read voter input")
	}
	return ctrl.LeaveQuiz(ctx)
}

func renderVoter(v voter.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] score=%d", v.Connection, v.Score)
	if v.Paused {
		fmt.Fprintf(&b, " paused: %s", v.PauseReason)
	}
	b.WriteString("\n")
	if v.State == domain.StateEnded {
		if v.Rank > 0 {
			fmt.Fprintf(&b, "quiz over: rank %d with %d points\n", v.Rank, v.Score)
		} else {
			b.WriteString("quiz over\n")
		}
		return b.String()
	}
	if v.Question == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "Q%d/%d %s", v.Index+1, v.TotalQuestions, v.Question.Content)
	if v.Remaining >= 0 {
		fmt.Fprintf(&b, " (%ds)", v.Remaining)
	}
	b.WriteString("\n")
	for i, opt := range v.Question.Options {
		fmt.Fprintf(&b, "  %s) %s\n", domain.OptionLetter(i), opt)
	}
	if v.Submission.Status != voter.StatusNone {
		fmt.Fprintf(&b, "  your answer: %s (%s)\n", v.Submission.Answer, v.Submission.Status)
	}
	if v.Revealed {
		fmt.Fprintf(&b, "  correct answer: %s\n", v.CorrectAnswer)
	}
	return b.String()
}
