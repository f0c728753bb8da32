package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/rakunlabs/ada"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/loveme/daemon/internal/config"
	"github.com/loveme/daemon/internal/cronticker"
	"github.com/loveme/daemon/internal/crypto"
	"github.com/loveme/daemon/internal/domain"
	"github.com/loveme/daemon/internal/emailbridge"
	"github.com/loveme/daemon/internal/emailpoller"
	"github.com/loveme/daemon/internal/eventbus"
	"github.com/loveme/daemon/internal/executor"
	"github.com/loveme/daemon/internal/filestore"
	"github.com/loveme/daemon/internal/gateway"
	"github.com/loveme/daemon/internal/llmprovider"
	"github.com/loveme/daemon/internal/llmprovider/antropic"
	"github.com/loveme/daemon/internal/llmprovider/gemini"
	"github.com/loveme/daemon/internal/llmprovider/ollama"
	"github.com/loveme/daemon/internal/llmprovider/openai"
	"github.com/loveme/daemon/internal/llmprovider/vertex"
	"github.com/loveme/daemon/internal/llmturn"
	"github.com/loveme/daemon/internal/toolrouter"
	"github.com/loveme/daemon/internal/triggerfabric"
)

var (
	name    = "lovemed"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	home, err := filestore.NewHome(cfg.Home)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	var credKey []byte
	if cfg.CredentialKey != "" {
		credKey, err = crypto.DeriveKey(cfg.CredentialKey)
		if err != nil {
			return fmt.Errorf("derive credential key: %w", err)
		}
	}

	conversations := filestore.NewConversationStore(home)
	workflows := filestore.NewWorkflowStore(home)
	emails := filestore.NewEmailStore(home, credKey)

	router := toolrouter.New()
	if err := router.Register(ctx, toolrouter.NewTemplateProvider()); err != nil {
		return fmt.Errorf("register template tool: %w", err)
	}
	httpTool, err := toolrouter.NewHTTPProvider(cfg.Tools.HTTPProxy, cfg.Tools.HTTPInsecureSkipVerify)
	if err != nil {
		return fmt.Errorf("create http tool: %w", err)
	}
	if err := router.Register(ctx, httpTool); err != nil {
		return fmt.Errorf("register http tool: %w", err)
	}
	if err := registerTools(ctx, router, cfg.Tools); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	bus := eventbus.New()
	ticker := cronticker.New()

	// gw is forward-declared and filled in after every component that
	// needs one of its callback methods (Executor's onStepUpdate/
	// onExecutionUpdate, the Trigger Fabric's Notifier, the Turn
	// Coordinator's Broadcaster) is constructed — those callbacks are
	// closures capturing this pointer, invoked only once request handling
	// begins, by which point gw is always set. Mirrors the func-adapter
	// idiom ada itself uses for plain http.HandlerFunc routes.
	var gw *gateway.Gateway

	exec := executor.New(router, workflows,
		func(e domain.WorkflowExecution, s domain.StepResult) { gw.BroadcastStepUpdate(e, s) },
		func(e domain.WorkflowExecution) { gw.BroadcastExecutionUpdate(e) },
	)

	workflowLookup := func(id string) (domain.Workflow, error) { return workflows.Get(id) }
	fabric := triggerfabric.New(workflowLookup, exec, ticker, bus,
		func(e domain.WorkflowExecution, n domain.NotificationPrefs, event string) { gw.NotifyWorkflow(e, n, event) },
	)
	fabric.Start(ctx)

	var mailSender *emailpoller.MailSender
	var poller *emailpoller.Poller
	if cfg.Email.ClientID != "" {
		credStore := &emailCredentialAdapter{store: emails}
		gmail, err := emailpoller.NewGmailProvider(credStore,
			emailpoller.OAuthConfig{ClientID: cfg.Email.ClientID, ClientSecret: cfg.Email.ClientSecret},
			cfg.Email.Proxy,
		)
		if err != nil {
			return fmt.Errorf("create gmail provider: %w", err)
		}
		mailSender = emailpoller.NewMailSender(gmail)

		if err := router.Register(ctx, toolrouter.NewEmailProvider(mailSender)); err != nil {
			return fmt.Errorf("register email tool: %w", err)
		}

		bridge := emailbridge.New(conversations, emails, workflowLookup, exec)

		poller = emailpoller.New(gmail, emails, bus, func(ctx context.Context, email domain.Email) {
			if err := bridge.HandleEmail(ctx, email); err != nil {
				slog.Error("email bridge: handle email failed", "error", err, "email_id", email.ProviderID)
			}
		}, cfg.Email.PollEvery)
	}

	turnProvider, turnModel, err := buildLLMProvider(cfg, cfg.TurnProvider)
	if err != nil {
		return fmt.Errorf("build turn provider %q: %w", cfg.TurnProvider, err)
	}
	turns := llmturn.New(conversations, router, turnProvider, turnModel, broadcastFunc(func(conversationID string, env domain.Envelope) {
		gw.Broadcast(conversationID, env)
	}))

	var builderProvider llmprovider.Provider
	var builderModel string
	if cfg.BuilderProvider != "" {
		builderProvider, builderModel, err = buildLLMProvider(cfg, cfg.BuilderProvider)
		if err != nil {
			return fmt.Errorf("build workflow-builder provider %q: %w", cfg.BuilderProvider, err)
		}
	}

	// emailGateway/emailPoller stay nil interfaces (not typed-nil pointers)
	// when email isn't configured, so Gateway's own "g.email == nil"/
	// "g.poller == nil" guards work correctly.
	var emailGateway gateway.EmailStore
	var emailPoller gateway.EmailPoller
	if cfg.Email.ClientID != "" {
		emailGateway = &emailGatewayAdapter{store: emails}
		emailPoller = poller
	}

	gw = gateway.New(conversations, workflows, exec, fabric, router, turns,
		emailGateway, emailPoller, builderProvider, builderModel, cfg.Server.GatewayQueueDepth)

	if err := bindExistingWorkflows(workflows, fabric); err != nil {
		return fmt.Errorf("bind existing workflows: %w", err)
	}

	if poller != nil {
		poller.Start(ctx)
	}

	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
	)
	mux.Group("").GET("/ws", gw.ServeWS)

	slog.Info("starting session gateway", "host", cfg.Server.Host, "port", cfg.Server.Port, "home", home.Base())
	return mux.StartWithContext(ctx, net.JoinHostPort(cfg.Server.Host, cfg.Server.Port))
}

// broadcastFunc adapts a plain function to llmturn.Broadcaster, the same
// func-to-interface adapter shape as net/http.HandlerFunc.
type broadcastFunc func(conversationID string, env domain.Envelope)

func (f broadcastFunc) Broadcast(conversationID string, env domain.Envelope) {
	f(conversationID, env)
}

func registerTools(ctx context.Context, router *toolrouter.Router, cfg config.Tools) error {
	for _, sp := range cfg.Subprocess {
		provider, err := toolrouter.StartSubprocessProvider(sp.Name, sp.Command, sp.Args...)
		if err != nil {
			return fmt.Errorf("start subprocess tool %q: %w", sp.Name, err)
		}
		if err := router.Register(ctx, provider); err != nil {
			return fmt.Errorf("register subprocess tool %q: %w", sp.Name, err)
		}
	}
	for _, sc := range cfg.Script {
		provider := toolrouter.NewScriptProvider(sc.Name, sc.Description, sc.Source)
		if err := router.Register(ctx, provider); err != nil {
			return fmt.Errorf("register script tool %q: %w", sc.Name, err)
		}
	}
	return nil
}

func bindExistingWorkflows(workflows *filestore.WorkflowStore, fabric *triggerfabric.Fabric) error {
	summaries, err := workflows.List()
	if err != nil {
		return err
	}
	for _, s := range summaries {
		if !s.Enabled {
			continue
		}
		wf, err := workflows.Get(s.ID)
		if err != nil {
			return fmt.Errorf("load workflow %s: %w", s.ID, err)
		}
		if err := fabric.Bind(wf); err != nil {
			return fmt.Errorf("bind workflow %s: %w", s.ID, err)
		}
	}
	return nil
}

// buildLLMProvider constructs the vendor adapter named by key in
// cfg.Providers, returning it alongside its configured model.
func buildLLMProvider(cfg *config.Config, key string) (llmprovider.Provider, string, error) {
	pc, ok := cfg.Providers[key]
	if !ok {
		return nil, "", fmt.Errorf("provider %q not configured", key)
	}

	switch pc.Type {
	case "anthropic":
		p, err := antropic.New(pc.APIKey, pc.Model, pc.BaseURL, pc.Proxy, pc.InsecureSkipVerify)
		return p, pc.Model, err
	case "openai":
		p, err := openai.New(pc.APIKey, pc.Model, pc.BaseURL, pc.Proxy, pc.InsecureSkipVerify, pc.ExtraHeaders)
		return p, pc.Model, err
	case "gemini":
		p, err := gemini.New(pc.APIKey, pc.Model, pc.BaseURL, pc.Proxy, pc.InsecureSkipVerify)
		return p, pc.Model, err
	case "vertex":
		p, err := vertex.New(pc.Model, pc.BaseURL, pc.Proxy, pc.InsecureSkipVerify)
		return p, pc.Model, err
	case "ollama":
		return ollama.New(pc.Model, pc.BaseURL), pc.Model, nil
	default:
		return nil, "", fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// emailCredentialAdapter satisfies emailpoller.CredentialStore over
// filestore.EmailStore, translating its EmailCredentials shape to the
// poller's own CredentialsSnapshot so internal/emailpoller never imports
// internal/filestore directly (see emailpoller/gmail.go's doc comment).
type emailCredentialAdapter struct {
	store *filestore.EmailStore
}

func (a *emailCredentialAdapter) LoadCredentials() (emailpoller.CredentialsSnapshot, error) {
	c, err := a.store.LoadCredentials()
	if err != nil {
		return emailpoller.CredentialsSnapshot{}, err
	}
	return emailpoller.CredentialsSnapshot(c), nil
}

func (a *emailCredentialAdapter) SaveCredentials(c emailpoller.CredentialsSnapshot) error {
	return a.store.SaveCredentials(filestore.EmailCredentials(c))
}

// emailGatewayAdapter satisfies gateway.EmailStore over
// filestore.EmailStore, translating its EmailCredentials shape to
// gateway.EmailCredentials for the same reason: internal/gateway has no
// business importing internal/filestore's on-disk types directly.
type emailGatewayAdapter struct {
	store *filestore.EmailStore
}

func (a *emailGatewayAdapter) LoadWatermark() (domain.Watermark, error) { return a.store.LoadWatermark() }

func (a *emailGatewayAdapter) LoadCredentials() (gateway.EmailCredentials, error) {
	c, err := a.store.LoadCredentials()
	if err != nil {
		return gateway.EmailCredentials{}, err
	}
	return gateway.EmailCredentials(c), nil
}

func (a *emailGatewayAdapter) SaveCredentials(c gateway.EmailCredentials) error {
	return a.store.SaveCredentials(filestore.EmailCredentials(c))
}

func (a *emailGatewayAdapter) ListTriggerRules() ([]domain.EmailTriggerRule, error) {
	return a.store.ListTriggerRules()
}
func (a *emailGatewayAdapter) CreateTriggerRule(rule domain.EmailTriggerRule) error {
	return a.store.CreateTriggerRule(rule)
}
func (a *emailGatewayAdapter) UpdateTriggerRule(rule domain.EmailTriggerRule) error {
	return a.store.UpdateTriggerRule(rule)
}
func (a *emailGatewayAdapter) DeleteTriggerRule(id string) error {
	return a.store.DeleteTriggerRule(id)
}
