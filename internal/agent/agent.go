// Package agent dispatches client requests to the account registry, the
// flow engine and the password store.
//
// Handlers never hold a store lock across a network round trip: they
// take a copy of what they need, talk to the provider or a password
// backend, then commit the result in one short registry call.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/oidc-agent/internal/account"
	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/oidc"
	"github.com/alexjbarnes/oidc-agent/internal/passwords"
	"github.com/alexjbarnes/oidc-agent/internal/state"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
)

// Agent owns the session state of one running agent.
type Agent struct {
	accounts  *account.Registry
	passwords *passwords.Store
	engine    *oidc.Engine
	state     *state.State
	logger    *slog.Logger
	now       func() time.Time
	autoload  bool
	validate  *validator.Validate

	// refreshes collapses concurrent token requests for the same account
	// into one provider round trip.
	refreshes singleflight.Group
}

// Option configures an Agent.
type Option func(*Agent)

// WithState enables persisting account configs on gen and loading them
// again on token.
func WithState(s *state.State) Option {
	return func(a *Agent) { a.state = s }
}

// WithAutoload toggles loading persisted accounts on token.
func WithAutoload(enabled bool) Option {
	return func(a *Agent) { a.autoload = enabled }
}

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithClock overrides the time source used for token validity checks.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates an Agent over the given stores and engine.
func New(accounts *account.Registry, pw *passwords.Store, engine *oidc.Engine, opts ...Option) *Agent {
	a := &Agent{
		accounts:  accounts,
		passwords: pw,
		engine:    engine,
		logger:    slog.Default(),
		now:       time.Now,
		autoload:  true,
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// HandleJSON decodes a request, dispatches it and encodes the response.
// It never fails: malformed input becomes an error response.
func (a *Agent) HandleJSON(ctx context.Context, data []byte) []byte {
	var (
		req  Request
		resp Response
	)

	if err := json.Unmarshal(data, &req); err != nil {
		resp = a.errorResponse(req.Op, fmt.Errorf("%w: decoding request: %v", apperrors.ErrArgument, err))
	} else {
		resp = a.Dispatch(ctx, &req)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("encoding response", slog.String("error", err.Error()))
		return []byte(`{"status":"error","error":"internal error"}`)
	}

	return out
}

// Dispatch runs one request and returns its outcome.
func (a *Agent) Dispatch(ctx context.Context, req *Request) Response {
	if err := a.validate.Struct(req); err != nil {
		return a.errorResponse(req.Op, describeRequestError(req, err))
	}

	a.logger.Debug("handling request", slog.String("request", req.Op))

	var (
		resp Response
		err  error
	)

	switch req.Op {
	case OpGen:
		resp, err = a.gen(ctx, req)
	case OpAdd:
		resp, err = a.add(ctx, req)
	case OpRemove:
		resp, err = a.remove(ctx, req)
	case OpRemoveAll:
		resp, err = a.removeAll(req)
	case OpToken:
		resp, err = a.token(ctx, req)
	case OpList:
		resp, err = a.list()
	case OpRegister:
		resp, err = a.register(ctx, req)
	case OpCodeExchange:
		resp, err = a.codeExchange(ctx, req)
	case OpStateLookup:
		resp, err = a.stateLookup(req)
	case OpDevice:
		resp, err = a.device(ctx, req)
	case OpSavePassword:
		resp, err = a.savePassword(req)
	case OpRemovePassword:
		resp, err = a.removePassword(req)
	case OpCheck:
		resp, err = a.check()
	}

	if err != nil {
		return a.errorResponse(req.Op, err)
	}

	return resp
}

// errorResponse turns err into a response message. Errors outside the
// taxonomy are logged and reported generically.
func (a *Agent) errorResponse(op string, err error) Response {
	known := []error{
		apperrors.ErrArgument,
		apperrors.ErrNotFound,
		apperrors.ErrDuplicate,
		apperrors.ErrProvider,
		apperrors.ErrNetwork,
		apperrors.ErrConfig,
		apperrors.ErrNoToken,
		apperrors.ErrCrypto,
		apperrors.ErrNoFlowSucceeded,
	}

	for _, target := range known {
		if errors.Is(err, target) {
			a.logger.Info("request failed",
				slog.String("request", op),
				slog.String("error", err.Error()),
			)

			return Response{Status: StatusError, Error: err.Error()}
		}
	}

	a.logger.Error("request failed with internal error",
		slog.String("request", op),
		slog.String("error", err.Error()),
	)

	return Response{Status: StatusError, Error: apperrors.ErrArgument.Error() + ": the agent could not process the request"}
}

func describeRequestError(req *Request, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Op":
			if req.Op == "" {
				return fmt.Errorf("%w: missing request type", apperrors.ErrArgument)
			}

			return fmt.Errorf("%w: unknown request type %q", apperrors.ErrArgument, req.Op)
		case "MinValidPeriod":
			if req.MinValidPeriod < 0 {
				return fmt.Errorf("%w: min_valid_period must not be negative", apperrors.ErrArgument)
			}

			return fmt.Errorf("%w: min_valid_period must be at most one year", apperrors.ErrArgument)
		}
	}

	return fmt.Errorf("%w: %v", apperrors.ErrArgument, err)
}
