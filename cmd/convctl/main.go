// Command convctl runs one conversation to completion against an in-process
// ConversationManager and prints the result, the CLI-wrapper contract spec.md
// §6 describes ("Exit codes (if a CLI wrapper exists): 0 success
// (AgentFinish), 1 generic error, 2 configuration error, 130 user
// interrupt"). It is grounded on internal/headless.Runner's shape (a config,
// an output printer subscribed to the event stream, a single blocking run)
// but drives internal/convmanager.Manager instead of the teacher's
// session.Processor, the same way internal/convmanager/delegate.go drives a
// child AgentController to completion rather than a session loop. The
// cobra.Command flag/RunE shape is adapted from
// cmd/opencode/commands/root.go's rootCmd (now deleted along with the rest
// of that binary).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/relay-agent/runtime/internal/config"
	"github.com/relay-agent/runtime/internal/conv"
	"github.com/relay-agent/runtime/internal/convmanager"
	"github.com/relay-agent/runtime/internal/logging"
	"github.com/relay-agent/runtime/internal/metrics"
	"github.com/relay-agent/runtime/internal/provider"
	"github.com/relay-agent/runtime/internal/storage"
)

// Exit codes per spec.md §6's CLI wrapper contract.
const (
	ExitSuccess       = 0
	ExitError         = 1
	ExitConfigError   = 2
	ExitUserInterrupt = 130
)

// Version is set at build time, mirroring the deleted cmd/opencode's
// ldflags-injected Version/BuildTime pair.
var Version = "0.1.0"

type flags struct {
	prompt        string
	readStdin     bool
	directory     string
	model         string
	outputJSON    bool
	quiet         bool
	maxIterations int
	maxBudgetUSD  float64
	timeout       time.Duration
}

// result is the JSON shape printed under --json, mirroring
// internal/headless.Result's fields relevant outside a session server.
type result struct {
	Status         string         `json:"status"`
	ConversationID string         `json:"conversation_id"`
	FinalMessage   string         `json:"final_message,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
}

// exitError carries the process exit code spec.md §6 requires through
// cobra's error-returning RunE without cobra itself knowing about exit
// codes.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:           "convctl",
		Short:         "Run one conversation to completion against the conversation runtime plane",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	root.Flags().StringVar(&f.prompt, "prompt", "", "instruction to run; reads stdin when empty and --stdin is set")
	root.Flags().BoolVar(&f.readStdin, "stdin", false, "read the prompt from stdin")
	root.Flags().StringVar(&f.directory, "directory", "", "working directory for the local runtime (default: cwd)")
	root.Flags().StringVar(&f.model, "model", "", "override provider/model, e.g. anthropic/claude-sonnet-4-20250514")
	root.Flags().BoolVar(&f.outputJSON, "json", false, "print the final result as JSON instead of streaming text")
	root.Flags().BoolVar(&f.quiet, "quiet", false, "suppress streaming output; print only the final message")
	root.Flags().IntVar(&f.maxIterations, "max-iterations", 0, "per-conversation iteration cap (0 = unbounded)")
	root.Flags().Float64Var(&f.maxBudgetUSD, "max-budget-usd", 0, "per-conversation cost cap in USD (0 = unbounded)")
	root.Flags().DurationVar(&f.timeout, "timeout", 0, "overall run timeout (0 = unbounded)")

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "convctl:", err)
		os.Exit(ExitError)
	}
	os.Exit(ExitSuccess)
}

func run(parent context.Context, f *flags) error {
	logCfg := logging.DefaultConfig()
	logCfg.Pretty = true
	log := logging.New(logCfg)

	p, err := readPrompt(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "convctl:", err)
		return &exitError{ExitConfigError}
	}
	if p == "" {
		fmt.Fprintln(os.Stderr, "convctl: a prompt is required (--prompt or --stdin)")
		return &exitError{ExitConfigError}
	}

	workDir := f.directory
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		}
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		fmt.Fprintln(os.Stderr, "convctl: failed to create data directories:", err)
		return &exitError{ExitConfigError}
	}
	appConfig, err := config.Load(workDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "convctl: failed to load configuration:", err)
		return &exitError{ExitConfigError}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if f.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		interrupted.Store(true)
		cancel()
	}()

	store := storage.New(paths.StoragePath())

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		log.Warn().Err(err).Msg("convctl: some providers failed to initialize")
	}

	modelRef := f.model
	if modelRef == "" {
		modelRef = appConfig.Model
	}
	parts := strings.SplitN(modelRef, "/", 2)
	if len(parts) != 2 {
		fmt.Fprintf(os.Stderr, "convctl: model must be \"provider/model\", got %q\n", modelRef)
		return &exitError{ExitConfigError}
	}
	defaultProvider, err := providerReg.Get(parts[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "convctl: resolving provider:", err)
		return &exitError{ExitConfigError}
	}
	defaultModel := parts[1]

	mgr := convmanager.NewManager(store, metrics.New(), log, convmanager.ManagerConfig{})
	mgr.Start()
	defer mgr.Close()

	sid := ulid.Make().String()
	settings := convmanager.Settings{
		Model:          defaultModel,
		MaxIterations:  f.maxIterations,
		MaxBudgetUSD:   f.maxBudgetUSD,
		HeadlessMode:   true,
		Persistent:     false,
		RuntimeVariant: "local",
		Directory:      workDir,
		Provider:       defaultProvider,
	}

	if _, err := mgr.MaybeStartAgentLoop(ctx, sid, settings, "", &p); err != nil {
		fmt.Fprintln(os.Stderr, "convctl: starting conversation:", err)
		return &exitError{ExitError}
	}

	connectionID := ulid.Make().String()
	if _, err := mgr.JoinConversation(ctx, sid, connectionID, settings, ""); err != nil {
		fmt.Fprintln(os.Stderr, "convctl: joining conversation:", err)
		return &exitError{ExitError}
	}
	defer mgr.DisconnectFromSession(connectionID)

	sub, ok := mgr.Subscription(connectionID)
	if !ok {
		fmt.Fprintln(os.Stderr, "convctl: lost subscription immediately after joining")
		return &exitError{ExitError}
	}

	start := time.Now()
	res := result{ConversationID: sid}
	code := ExitSuccess

drain:
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				break drain
			}
			if _, done := handleEvent(e, &res, f); done {
				break drain
			}
		case <-ctx.Done():
			if interrupted.Load() {
				res.Status = "interrupted"
				code = ExitUserInterrupt
			} else {
				res.Status = "timeout"
				res.Error = ctx.Err().Error()
				code = ExitError
			}
			break drain
		}
	}
	res.DurationMS = time.Since(start).Milliseconds()

	if err := mgr.CloseSession(sid); err != nil && !errors.Is(err, convmanager.ErrConversationNotFound) {
		log.Warn().Err(err).Msg("convctl: closing conversation")
	}

	if res.Status == "" || res.Status == "error" {
		if code == ExitSuccess {
			code = ExitError
		}
		if res.Status == "" {
			res.Status = "error"
		}
	}

	printResult(res, f)
	if code != ExitSuccess {
		return &exitError{code}
	}
	return nil
}

// handleEvent updates res from one event and reports whether the run has
// reached a terminal state (spec.md §3 AgentState terminal set: finished,
// rejected, error, stuck).
func handleEvent(e *conv.Event, res *result, f *flags) (state conv.AgentState, done bool) {
	switch payload := e.Payload.(type) {
	case *conv.AgentFinishAction:
		res.Outputs = payload.Outputs
		if !f.quiet && !f.outputJSON {
			fmt.Println()
		}
	case *conv.MessageAction:
		if e.Source == conv.SourceAgent {
			res.FinalMessage = payload.Text
			if !f.quiet && !f.outputJSON {
				fmt.Print(payload.Text)
			}
		}
	case *conv.AgentStateChangedObservation:
		switch payload.State {
		case conv.StateFinished:
			res.Status = "success"
			return payload.State, true
		case conv.StateRejected:
			res.Status = "rejected"
			res.Error = payload.Reason
			return payload.State, true
		case conv.StateError:
			res.Status = "error"
			res.Error = payload.Reason
			return payload.State, true
		case conv.StateStuck:
			res.Status = "stuck"
			res.Error = payload.Reason
			return payload.State, true
		}
	}
	return "", false
}

func printResult(res result, f *flags) {
	if f.outputJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
		return
	}
	if f.quiet && res.FinalMessage != "" {
		fmt.Println(res.FinalMessage)
	}
	if res.Status != "success" {
		fmt.Fprintf(os.Stderr, "\n[%s] %s\n", res.Status, res.Error)
	}
}

func readPrompt(f *flags) (string, error) {
	if f.prompt != "" {
		return f.prompt, nil
	}
	if !f.readStdin {
		return "", nil
	}
	data, err := readAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func readAll(f *os.File) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return buf, err
		}
	}
}
