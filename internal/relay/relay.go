// Package relay drives one chat exchange: it records the user's message,
// streams the upstream answer to the client as it arrives, and commits the
// assistant's message once the answer is complete.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/chatrelay/internal/dify"
	"github.com/zulandar/chatrelay/internal/metrics"
	"github.com/zulandar/chatrelay/internal/models"
	"github.com/zulandar/chatrelay/internal/store"
	"github.com/zulandar/chatrelay/internal/stream"
)

// Defaults applied by New.
const (
	DefaultUser             = "chatrelay-user"
	DefaultCompleteAttempts = 3
	titleLayout             = "2006/01/02 15:04"
)

// Store is the persistence the relay needs. *store.Store satisfies it.
type Store interface {
	GetApp(ctx context.Context, id uint) (*models.App, error)
	BeginExchange(ctx context.Context, appID, existingID uint, title, userText string) (*models.Conversation, *models.Message, error)
	CompleteExchange(ctx context.Context, conversationID uint, upstreamID string, assistant *models.Message) error
}

// EventStream is an open upstream answer.
type EventStream interface {
	Next() (stream.Event, error)
	Close() error
}

// Upstream opens streaming chat requests.
type Upstream interface {
	Stream(ctx context.Context, apiKey string, req dify.ChatRequest) (EventStream, error)
}

// ClientUpstream adapts a *dify.Client to Upstream.
type ClientUpstream struct {
	Client *dify.Client
}

// Stream implements Upstream.
func (u ClientUpstream) Stream(ctx context.Context, apiKey string, req dify.ChatRequest) (EventStream, error) {
	s, err := u.Client.Stream(ctx, apiKey, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Opts holds parameters for creating a Relay.
type Opts struct {
	Store            Store
	Upstream         Upstream
	Credentials      Credentials   // defaults to EnvCredentials{}
	User             string        // upstream end-user identifier
	CompleteAttempts int           // tries for the completion commit
	RetryBackoff     time.Duration // wait before the n-th retry is n*RetryBackoff
	Now              func() time.Time
}

// Relay starts exchanges. It holds no per-exchange state and is safe for
// concurrent use.
type Relay struct {
	store    Store
	upstream Upstream
	creds    Credentials
	user     string
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// New creates a Relay.
func New(opts Opts) (*Relay, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: store is required")
	}
	if opts.Upstream == nil {
		return nil, fmt.Errorf("relay: upstream is required")
	}
	r := &Relay{
		store:    opts.Store,
		upstream: opts.Upstream,
		creds:    opts.Credentials,
		user:     opts.User,
		attempts: opts.CompleteAttempts,
		backoff:  opts.RetryBackoff,
		now:      opts.Now,
	}
	if r.creds == nil {
		r.creds = EnvCredentials{}
	}
	if r.user == "" {
		r.user = DefaultUser
	}
	if r.attempts <= 0 {
		r.attempts = DefaultCompleteAttempts
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Request is one user turn.
type Request struct {
	Message        string
	AppID          uint
	ConversationID uint // 0 starts a new conversation
}

// Start runs the synchronous part of an exchange: validation, credential
// lookup, recording the user's message, and opening the upstream stream. On
// success the caller must call Run on the returned Exchange.
//
// Errors are *Error, or *dify.ConnectionError when the upstream could not be
// reached. In the latter case the user's message is already committed.
func (r *Relay) Start(ctx context.Context, req Request) (*Exchange, error) {
	started := r.now()
	x := &Exchange{relay: r, started: started, state: StateIdle}

	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, r.reject("", validationError("message is required"), started)
	}
	if req.AppID == 0 {
		return nil, r.reject("", validationError("dify_app_id is required"), started)
	}

	app, err := r.store.GetApp(ctx, req.AppID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, r.reject("", &Error{Kind: KindValidation, NotFound: true, Msg: fmt.Sprintf("app %d not found", req.AppID)}, started)
		}
		return nil, r.reject("", &Error{Kind: KindPersistence, Msg: "load app", Err: err}, started)
	}
	apiKey, err := r.creds.APIKey(app)
	if err != nil {
		return nil, r.reject(app.Name, &Error{Kind: KindConfiguration, Msg: "resolve api key", Err: err}, started)
	}

	title := "New conversation - " + started.Format(titleLayout)
	conv, userMsg, err := r.store.BeginExchange(ctx, app.ID, req.ConversationID, title, text)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, r.reject(app.Name, &Error{Kind: KindValidation, NotFound: true, Msg: fmt.Sprintf("app %d not found", req.AppID), Err: err}, started)
		}
		return nil, r.reject(app.Name, &Error{Kind: KindPersistence, Msg: "record user message", Err: err}, started)
	}
	x.app = app
	x.conv = conv
	x.userMsg = userMsg
	x.state = StateUserMessagePersisted

	chatReq := dify.ChatRequest{Query: text, User: r.user}
	if conv.HasUpstreamID() {
		chatReq.ConversationID = *conv.UpstreamID
		x.upstreamID = *conv.UpstreamID
	}
	// The upstream request outlives a disconnecting client so the answer
	// can still be committed.
	upstream, err := r.upstream.Stream(context.WithoutCancel(ctx), apiKey, chatReq)
	if err != nil {
		x.state = StateErrored
		log.Printf("relay: conversation %d: open upstream: %v", conv.ID, err)
		metrics.ObserveExchange(app.Name, metrics.OutcomeUpstreamErr, r.now().Sub(started))
		return nil, err
	}
	x.upstream = upstream
	x.state = StateStreaming
	return x, nil
}

func (r *Relay) reject(app string, err *Error, started time.Time) error {
	if app == "" {
		app = "unknown"
	}
	outcome := metrics.OutcomeRejected
	if err.Kind == KindPersistence {
		outcome = metrics.OutcomePersistErr
	}
	metrics.ObserveExchange(app, outcome, r.now().Sub(started))
	return err
}
