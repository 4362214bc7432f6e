// Package auth resolves the caller of a request and decides whether it may
// stream into a conversation.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/vango-go/oto-voiceapi/pkg/gateway/config"
	"github.com/vango-go/oto-voiceapi/pkg/store"
)

var (
	ErrUnauthenticated = errors.New("auth: missing or invalid credentials")
	ErrForbidden       = errors.New("auth: conversation belongs to another user")
	ErrArchived        = errors.New("auth: conversation is archived")
)

// UserHeader names the caller when authentication is disabled.
const UserHeader = "X-Oto-User-Id"

const anonymousUser = "anonymous"

type Principal struct {
	UserID string
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// ParseToken reads the bearer header, falling back to the token query
// parameter for browser websocket clients that cannot set headers.
func ParseToken(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	return token, token != ""
}

// Authorizer is the identity collaborator.
type Authorizer interface {
	Authenticate(r *http.Request) (*Principal, error)
	AuthorizeConversation(ctx context.Context, p *Principal, conversationID string) (store.Conversation, bool, error)
}

// StaticKeys authenticates against a fixed key to user table and checks
// conversation ownership through the store.
type StaticKeys struct {
	mode  config.AuthMode
	keys  map[string]string
	store store.Store
}

func NewStaticKeys(cfg config.Config, st store.Store) *StaticKeys {
	keys := make(map[string]string, len(cfg.APIKeys))
	for k, v := range cfg.APIKeys {
		keys[k] = v
	}
	return &StaticKeys{mode: cfg.AuthMode, keys: keys, store: st}
}

func (a *StaticKeys) Authenticate(r *http.Request) (*Principal, error) {
	if a.mode == config.AuthModeDisabled {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			user = anonymousUser
		}
		return &Principal{UserID: user}, nil
	}
	token, ok := ParseToken(r)
	if !ok {
		return nil, ErrUnauthenticated
	}
	for key, user := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return &Principal{UserID: user, APIKey: token}, nil
		}
	}
	return nil, ErrUnauthenticated
}

// AuthorizeConversation returns the stored conversation and whether it
// exists. A conversation that does not exist yet is created on finalize.
func (a *StaticKeys) AuthorizeConversation(ctx context.Context, p *Principal, conversationID string) (store.Conversation, bool, error) {
	if p == nil {
		return store.Conversation{}, false, ErrUnauthenticated
	}
	c, err := a.store.GetConversation(ctx, conversationID)
	if store.IsNotFound(err) {
		return store.Conversation{}, false, nil
	}
	if err != nil {
		return store.Conversation{}, false, err
	}
	if c.UserID != "" && c.UserID != p.UserID {
		return store.Conversation{}, true, ErrForbidden
	}
	if c.Status == store.StatusArchived {
		return c, true, ErrArchived
	}
	return c, true, nil
}
