package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"replypilot/internal/browser"
	"replypilot/internal/channel"
	"replypilot/internal/config"
	"replypilot/internal/dom"
	"replypilot/internal/gateway"
	"replypilot/internal/generator"
	"replypilot/internal/inject"
	"replypilot/internal/ledger"
	"replypilot/internal/logging"
)

var (
	// Global flags
	verbose  bool
	stateDir string
	apiKey   string
	provider string

	// run flags
	pageURL     string
	htmlPath    string
	profilePath string
	headless    bool
	debuggerURL string

	// settings set flags
	toneFlag       string
	maxLengthFlag  int
	actionFlag     string
	limitFlag      int
	pacedFlag      bool
	credentialFlag string

	// usage flags
	resetFlag bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "replypilot",
	Short: "replypilot - AI reply helper for feed pages",
	Long: `replypilot watches a social feed page, plants a reply helper on every
post, and generates context-aware replies on demand.

Replies are produced by an external model, gated by a persisted daily
quota, and either typed into the page's comment box or copied for
manual pasting. All preferences live in a validated settings record
under the state directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if stateDir == "" {
			stateDir = config.DefaultStateDir()
		}
		if apiKey != "" {
			os.Setenv("REPLYPILOT_API_KEY", apiKey)
		}
		if err := logging.Initialize(stateDir); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// runCmd attaches to a feed page and serves the reply helpers
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to a feed page and serve reply helpers",
	Long: `Runs the full helper loop against a live page or a local HTML file:

  replypilot run --page https://feed.example.com
  replypilot run --html testdata/feed.html

With --page, a Chrome tab is driven over DevTools and helper buttons
appear in the real page. With --html, the file is watched for changes
and replayed into the page model, which is useful for profile work.`,
	RunE: runFeed,
}

// settingsCmd groups preference operations
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect or change preferences",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current preferences",
	RunE:  settingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change preferences",
	Long: `Updates only the fields given as flags, validates the whole record,
and persists it. An invalid record is rejected without touching the
stored one. Changing --limit also resets the usage window.`,
	RunE: settingsSet,
}

// usageCmd reports or resets the reply counter
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show the reply counter and its window",
	RunE:  usageRun,
}

// generateCmd produces one reply without a page
var generateCmd = &cobra.Command{
	Use:   "generate [post text]",
	Short: "Generate a single reply for the given post text",
	Long: `Runs the post text through the same pipeline a helper click uses,
quota included. Reads from stdin when the text argument is "-".`,
	Args: cobra.MinimumNArgs(1),
	RunE: generateOnce,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state", "", "State directory (default: nearest .replypilot)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (or set REPLYPILOT_API_KEY env)")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "gemini", "Generation backend: gemini or genai")

	runCmd.Flags().StringVar(&pageURL, "page", "", "Feed URL to attach to via Chrome")
	runCmd.Flags().StringVar(&htmlPath, "html", "", "Local HTML file to watch instead of a live page")
	runCmd.Flags().StringVar(&profilePath, "profile", "", "Locator profile YAML (default: built-in feed profile)")
	runCmd.Flags().BoolVar(&headless, "headless", false, "Run Chrome headless")
	runCmd.Flags().StringVar(&debuggerURL, "debugger-url", "", "Attach to an existing Chrome DevTools URL")

	settingsSetCmd.Flags().StringVar(&toneFlag, "tone", "", "Reply tone: professional, polite, friendly, concise")
	settingsSetCmd.Flags().IntVar(&maxLengthFlag, "max-length", 0, "Maximum reply length in characters [100,1000]")
	settingsSetCmd.Flags().StringVar(&actionFlag, "action", "", "Default action: insert or copy")
	settingsSetCmd.Flags().IntVar(&limitFlag, "limit", 0, "Replies allowed per day [1,10000]")
	settingsSetCmd.Flags().BoolVar(&pacedFlag, "paced", false, "Type replies character by character")
	settingsSetCmd.Flags().StringVar(&credentialFlag, "credential", "", "API credential")

	usageCmd.Flags().BoolVar(&resetFlag, "reset", false, "Reset the counter and start a fresh window")

	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(generateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildGateway assembles the privileged side: settings store, usage
// ledger, and the generation backend.
func buildGateway(ctx context.Context) (*gateway.Gateway, error) {
	store := config.NewStore(stateDir)
	s, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	l := ledger.New(stateDir, s.Limit)

	var factory gateway.ClientFactory
	switch provider {
	case "genai":
		client, err := generator.NewGenAIClient(ctx, s.Credential, "")
		if err != nil {
			return nil, fmt.Errorf("genai client: %w", err)
		}
		factory = func(config.Settings) generator.Client { return client }
	case "gemini", "":
		// Gateway's default factory builds a Gemini client per request
		// from the freshly loaded settings.
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return gateway.New(store, l, factory), nil
}

func runFeed(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if pageURL == "" && htmlPath == "" {
		return errors.New("one of --page or --html is required")
	}

	g, err := buildGateway(ctx)
	if err != nil {
		return err
	}

	dispatcher := channel.NewDispatcher()
	gateway.Attach(dispatcher, g)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	port := channel.NewPort(dispatcher, func() { dispatcher.Start(ctx) })

	locators := inject.DefaultLocatorProfile()
	if profilePath != "" {
		locators, err = inject.LoadLocatorProfile(profilePath)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
	}
	profile, err := locators.Compile()
	if err != nil {
		return err
	}
	logger.Info("Locator profile loaded", zap.String("name", locators.Name))

	doc := dom.NewDocument()
	grp, ctx := errgroup.WithContext(ctx)

	if htmlPath != "" {
		src, err := dom.NewFileSource(doc, htmlPath)
		if err != nil {
			return fmt.Errorf("open page source: %w", err)
		}
		defer src.Close()

		eng := inject.NewEngine(doc, profile, port)
		logger.Info("Watching page source", zap.String("path", htmlPath))
		grp.Go(func() error { return src.Run(ctx) })
		grp.Go(func() error { return eng.Run(ctx) })
	} else {
		cfg := browser.DefaultConfig()
		cfg.Headless = headless
		cfg.DebuggerURL = debuggerURL
		drv := browser.NewDriver(cfg, doc, locators)
		if err := drv.Start(ctx, pageURL); err != nil {
			return err
		}
		defer drv.Stop()

		eng := inject.NewEngine(doc, profile, port,
			inject.WithClipboard(func(text string) error {
				return drv.CopyToClipboard(ctx, text)
			}))
		if _, err := drv.PlantHelpers(ctx); err != nil {
			return err
		}
		logger.Info("Attached to page", zap.String("url", pageURL))

		grp.Go(func() error { return eng.Run(ctx) })
		grp.Go(func() error {
			return drv.Run(ctx, func(ctx context.Context, idx int) {
				go activateLivePost(ctx, eng, drv, doc, profile, idx)
			})
		})
	}

	err = grp.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutting down")
		return nil
	}
	return err
}

// activateLivePost bridges one click in the tab to the model engine
// and mirrors the outcome back onto the live button.
func activateLivePost(ctx context.Context, eng *inject.Engine, drv *browser.Driver, doc *dom.Document, profile *inject.Profile, idx int) {
	posts := doc.Root().QueryAll(profile.Post)
	if idx < 0 || idx >= len(posts) {
		logger.Warn("Click on unknown post", zap.Int("index", idx))
		return
	}
	post := posts[idx]
	btn := post.Query(profile.Marker)
	if btn == nil {
		eng.Scan()
		if btn = post.Query(profile.Marker); btn == nil {
			logger.Warn("No helper for clicked post", zap.Int("index", idx))
			return
		}
	}

	_ = drv.SetHelperState(ctx, idx, inject.StateBusy, "Generating...")
	err := eng.Activate(ctx, btn)

	state, _ := btn.Attr(inject.StateAttr)
	_ = drv.SetHelperState(ctx, idx, state, btn.OwnText())
	if err != nil {
		logger.Warn("Activation failed", zap.Int("index", idx), zap.Error(err))
		return
	}

	composer := post.Query(profile.Composer)
	if composer == nil {
		composer = doc.Root().Query(profile.Composer)
	}
	if composer != nil && composer.OwnText() != "" {
		if terr := drv.TypeInto(ctx, idx, composer.OwnText()); terr != nil {
			logger.Warn("Insert into tab failed", zap.Int("index", idx), zap.Error(terr))
		}
	}
}

func settingsGet(cmd *cobra.Command, args []string) error {
	store := config.NewStore(stateDir)
	s, err := store.Load()
	if err != nil {
		return err
	}
	credential := "(not set)"
	if s.Credential != "" {
		credential = "(configured)"
	}
	fmt.Printf("credential:      %s\n", credential)
	fmt.Printf("tone:            %s\n", s.Tone)
	fmt.Printf("max_length:      %d\n", s.MaxLength)
	fmt.Printf("default_action:  %s\n", s.DefaultAction)
	fmt.Printf("limit:           %d\n", s.Limit)
	fmt.Printf("paced_insertion: %v\n", s.PacedInsertion)
	return nil
}

func settingsSet(cmd *cobra.Command, args []string) error {
	store := config.NewStore(stateDir)
	s, err := store.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("tone") {
		s.Tone = config.Tone(toneFlag)
	}
	if flags.Changed("max-length") {
		s.MaxLength = maxLengthFlag
	}
	if flags.Changed("action") {
		s.DefaultAction = config.Action(actionFlag)
	}
	if flags.Changed("limit") {
		s.Limit = limitFlag
	}
	if flags.Changed("paced") {
		s.PacedInsertion = pacedFlag
	}
	if flags.Changed("credential") {
		s.Credential = credentialFlag
	}

	if err := store.Save(s); err != nil {
		return err
	}
	if flags.Changed("limit") {
		l := ledger.New(stateDir, s.Limit)
		if _, err := l.SetLimit(s.Limit); err != nil {
			return err
		}
		if _, err := l.Reset(); err != nil {
			return err
		}
		fmt.Printf("limit changed to %d, usage window reset\n", s.Limit)
	}
	fmt.Println("settings saved")
	return nil
}

func usageRun(cmd *cobra.Command, args []string) error {
	store := config.NewStore(stateDir)
	s, err := store.Load()
	if err != nil {
		return err
	}
	l := ledger.New(stateDir, s.Limit)

	var rec ledger.Record
	if resetFlag {
		rec, err = l.Reset()
	} else {
		rec, err = l.Read()
	}
	if err != nil {
		return err
	}

	fmt.Printf("used:      %d / %d\n", rec.Count, rec.Limit)
	fmt.Printf("window_end: %s\n", rec.WindowEnd.Local().Format("2006-01-02 15:04"))
	fmt.Printf("resets_in:  %s\n", gateway.FormatRemaining(rec.Remaining(time.Now())))
	return nil
}

func generateOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	text := strings.Join(args, " ")
	if text == "-" {
		data, err := readAllStdin()
		if err != nil {
			return err
		}
		text = data
	}

	g, err := buildGateway(ctx)
	if err != nil {
		return err
	}
	res := g.Handle(ctx, gateway.ReplyRequest{SourceText: text})
	if !res.OK {
		return fmt.Errorf("generate: %s", res.Reason)
	}
	fmt.Println(res.Text)
	fmt.Fprintf(os.Stderr, "replies used this window: %d\n", res.UsageCountAfter)
	return nil
}

func readAllStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
