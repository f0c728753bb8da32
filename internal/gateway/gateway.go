package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/loveme/daemon/internal/domain"
	"github.com/loveme/daemon/internal/llmprovider"
)

// ConversationStore is the subset of internal/filestore.ConversationStore
// the Gateway drives directly (message appends happen through the Turn
// Coordinator instead, spec §4.9).
type ConversationStore interface {
	Create(conv domain.Conversation) error
	Load(id string) (domain.Conversation, error)
	ListAll() ([]domain.ConversationSummary, error)
	Delete(id string) error
}

// WorkflowStore is the subset of internal/filestore.WorkflowStore the
// Gateway drives directly.
type WorkflowStore interface {
	Create(wf domain.Workflow) error
	Get(id string) (domain.Workflow, error)
	Update(wf domain.Workflow) error
	Delete(id string) error
	List() ([]domain.Summary, error)
	GetExecution(id string) (domain.WorkflowExecution, error)
	ListExecutions(workflowID string) ([]domain.WorkflowExecution, error)
}

// Executor is the subset of internal/executor.Executor the Gateway drives.
type Executor interface {
	Execute(ctx context.Context, definition domain.Workflow, triggerInfo string) (domain.WorkflowExecution, error)
	Cancel(executionID string)
}

// Fabric is the subset of internal/triggerfabric.Fabric the Gateway drives
// on workflow create/update/delete, so a workflow's cron/event binding
// always matches what was just persisted.
type Fabric interface {
	Bind(wf domain.Workflow) error
	Unbind(workflowID string)
}

// ToolRouter is the subset of internal/toolrouter.Router the Gateway drives.
type ToolRouter interface {
	List() []domain.ToolDescriptor
}

// TurnCoordinator is the subset of internal/llmturn.Coordinator the Gateway
// drives.
type TurnCoordinator interface {
	StartTurn(ctx context.Context, conversationID, userMessage string) error
	Cancel(conversationID string) bool
}

// EmailStore is the subset of internal/filestore.EmailStore the Gateway
// drives directly.
type EmailStore interface {
	LoadWatermark() (domain.Watermark, error)
	LoadCredentials() (EmailCredentials, error)
	SaveCredentials(c EmailCredentials) error
	ListTriggerRules() ([]domain.EmailTriggerRule, error)
	CreateTriggerRule(rule domain.EmailTriggerRule) error
	UpdateTriggerRule(rule domain.EmailTriggerRule) error
	DeleteTriggerRule(id string) error
}

// EmailCredentials mirrors internal/filestore.EmailCredentials so this
// package doesn't need to import filestore for a single struct shape (the
// same pattern internal/emailpoller uses for CredentialsSnapshot).
type EmailCredentials struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiryUnix   int64
	Account      string
}

// EmailPoller is the subset of internal/emailpoller.Poller the Gateway
// drives for an on-demand poll.
type EmailPoller interface {
	PollNow(ctx context.Context) (int, error)
}

// Gateway implements the Session Gateway: one WebSocket hub plus a dispatch
// table routing decoded envelopes to every other daemon component.
type Gateway struct {
	hub *hub

	conversations ConversationStore
	workflows     WorkflowStore
	executor      Executor
	fabric        Fabric
	router        ToolRouter
	turns         TurnCoordinator
	email         EmailStore
	poller        EmailPoller

	builderProvider llmprovider.Provider
	builderModel    string
}

// New constructs a Gateway. poller and the builder provider/model may be
// nil/empty — email_poll and build_workflow then respond with an error
// envelope explaining the capability isn't configured, rather than a nil
// dereference, since either subsystem is optional per the daemon's config
// surface.
func New(
	conversations ConversationStore,
	workflows WorkflowStore,
	executor Executor,
	fabric Fabric,
	router ToolRouter,
	turns TurnCoordinator,
	email EmailStore,
	poller EmailPoller,
	builderProvider llmprovider.Provider,
	builderModel string,
	queueDepth int,
) *Gateway {
	return &Gateway{
		hub:             newHub(queueDepth),
		conversations:   conversations,
		workflows:       workflows,
		executor:        executor,
		fabric:          fabric,
		router:          router,
		turns:           turns,
		email:           email,
		poller:          poller,
		builderProvider: builderProvider,
		builderModel:    builderModel,
	}
}

// Broadcast implements internal/llmturn.Broadcaster: it stamps
// conversationID onto env and fans it out to every connected client.
func (g *Gateway) Broadcast(conversationID string, env domain.Envelope) {
	env.ConversationID = conversationID
	g.hub.broadcast(env)
}

// ServeWS upgrades r to a WebSocket connection and drives it until the
// client disconnects. Mounted directly as an ada route handler, matching
// the teacher's plain func(http.ResponseWriter, *http.Request) handler
// shape (internal/server/gateway.go's ChatCompletions/ListModels).
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: upgrade failed", "error", err)
		return
	}

	c := g.hub.newClient(conn)
	go c.writeLoop()

	c.send <- g.statusEnvelope()

	g.readLoop(r.Context(), c)
}

func (g *Gateway) statusEnvelope() domain.Envelope {
	return domain.Envelope{
		Type: domain.TypeStatus,
		Metadata: domain.MetadataMap{
			"tools_count": domain.IntValue(int64(len(g.router.List()))),
		},
	}
}

// readLoop decodes one envelope per inbound frame and dispatches it. A
// decode error or an unknown type yields an error envelope back to the
// same client rather than closing the connection (spec §7: unknown types
// are a validation error, not a protocol violation).
func (g *Gateway) readLoop(ctx context.Context, c *client) {
	defer g.hub.drop(c)

	for {
		var env domain.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		g.dispatch(ctx, c, env)
	}
}

// dispatch routes one inbound envelope by Type. Replies specific to the
// requesting client are written directly to c.send; broadcasts (tool
// progress, workflow/execution updates, email auth completion) go through
// g.hub.broadcast and reach every connected client, per spec §4.11.
func (g *Gateway) dispatch(ctx context.Context, c *client, env domain.Envelope) {
	switch env.Type {
	case domain.TypePing:
		c.send <- domain.Envelope{Type: domain.TypePong}

	case domain.TypeUserMessage:
		g.handleUserMessage(ctx, c, env)

	case domain.TypeNewConversation:
		g.handleNewConversation(c, env)
	case domain.TypeLoadConversation:
		g.handleLoadConversation(c, env)
	case domain.TypeDeleteConversation:
		g.handleDeleteConversation(c, env)
	case domain.TypeListConversations:
		g.handleListConversations(c)

	case domain.TypeCreateWorkflow:
		g.handleCreateWorkflow(c, env)
	case domain.TypeUpdateWorkflow:
		g.handleUpdateWorkflow(c, env)
	case domain.TypeDeleteWorkflow:
		g.handleDeleteWorkflow(c, env)
	case domain.TypeListWorkflows:
		g.handleListWorkflows(c)
	case domain.TypeGetWorkflow:
		g.handleGetWorkflow(c, env)

	case domain.TypeRunWorkflow:
		g.handleRunWorkflow(ctx, c, env)
	case domain.TypeCancelWorkflow:
		g.handleCancelWorkflow(env)
	case domain.TypeListExecutions:
		g.handleListExecutions(c, env)
	case domain.TypeGetExecution:
		g.handleGetExecution(c, env)

	case domain.TypeListTools:
		g.handleListTools(c)
	case domain.TypeParseSchedule:
		g.handleParseSchedule(c, env)
	case domain.TypeBuildWorkflow:
		g.handleBuildWorkflow(ctx, c, env)

	case domain.TypeEmailStatus:
		g.handleEmailStatus(c)
	case domain.TypeEmailAuth:
		g.handleEmailAuth(c, env)
	case domain.TypeEmailPoll:
		g.handleEmailPoll(ctx, c)
	case domain.TypeEmailTriggerCreate:
		g.handleEmailTriggerCreate(c, env)
	case domain.TypeEmailTriggerUpdate:
		g.handleEmailTriggerUpdate(c, env)
	case domain.TypeEmailTriggerDelete:
		g.handleEmailTriggerDelete(c, env)
	case domain.TypeEmailTriggerList:
		g.handleEmailTriggerList(c)

	default:
		c.send <- domain.ErrorEnvelope(domain.ErrCodeUnknownType, "unknown envelope type: "+env.Type)
	}
}

func errStorage(err error) domain.Envelope {
	return domain.ErrorEnvelope(domain.ErrCodeStorageError, err.Error())
}

func errInvalid(msg string) domain.Envelope {
	return domain.ErrorEnvelope(domain.ErrCodeInvalidData, msg)
}

func errMissing(field string) domain.Envelope {
	return domain.ErrorEnvelope(domain.ErrCodeMissingField, "missing field: "+field)
}

func newID() string { return ulid.Make().String() }

func now() types.Time { return types.NewTime(time.Now().UTC()) }
