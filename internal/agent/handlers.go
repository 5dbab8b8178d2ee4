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
)

// gen runs the requested flows for an account and loads it on success.
func (a *Agent) gen(ctx context.Context, req *Request) (Response, error) {
	acc, err := account.FromJSON(req.Config)
	if err != nil {
		return Response{}, err
	}
	defer acc.Wipe()

	if err := a.engine.Resolve(ctx, acc); err != nil {
		return Response{}, fmt.Errorf("account %q: %w", acc.Name, err)
	}

	result, err := a.engine.Run(ctx, acc, req.Flows)
	if err != nil {
		return Response{}, fmt.Errorf("account %q: %w", acc.Name, err)
	}

	switch result.Flow {
	case oidc.FlowCode:
		return Response{Status: StatusAccepted, URI: result.AuthURL, State: result.State}, nil
	case oidc.FlowDevice:
		return Response{Status: StatusAccepted, Device: deviceAuthFrom(result.Device)}, nil
	}

	return a.commit(ctx, acc, "", req.Persist)
}

// commit loads an account that just obtained a refresh token and returns
// its config. usedState tags the account for a later state lookup.
func (a *Agent) commit(ctx context.Context, acc *account.Account, usedState string, persist bool) (Response, error) {
	acc.ClearCredentials()

	if !acc.RefreshToken.IsSet() {
		return Response{}, fmt.Errorf("account %q: %w", acc.Name, apperrors.ErrNoToken)
	}

	config, err := account.ToJSON(acc)
	if err != nil {
		return Response{}, err
	}

	acc.UsedState = usedState
	a.accounts.Replace(acc)

	a.logger.Info("account loaded", slog.String("account", acc.Name))

	resp := Response{Status: StatusSuccess, Config: config}

	if persist {
		if err := a.persist(ctx, acc.Name, config); err != nil {
			a.logger.Warn("persisting account failed",
				slog.String("account", acc.Name),
				slog.String("error", err.Error()),
			)
			resp.Info = "account loaded but not persisted: " + err.Error()
		}
	}

	return resp, nil
}

// persist encrypts config under the account's stored password.
func (a *Agent) persist(ctx context.Context, name string, config []byte) error {
	if a.state == nil {
		return fmt.Errorf("%w: no state database configured", apperrors.ErrConfig)
	}

	pw, err := a.passwords.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("getting encryption password: %w", err)
	}
	defer pw.Wipe()

	return a.state.SaveAccount(name, config, pw)
}

// add loads an account that already holds a refresh token.
func (a *Agent) add(ctx context.Context, req *Request) (Response, error) {
	acc, err := account.FromJSON(req.Config)
	if err != nil {
		return Response{}, err
	}
	defer acc.Wipe()

	if a.accounts.Contains(acc.Name) {
		return Response{}, fmt.Errorf("account %q: %w", acc.Name, apperrors.ErrDuplicate)
	}

	if err := a.load(ctx, acc); err != nil {
		return Response{}, err
	}

	return success(), nil
}

// load fetches a fresh access token for acc and adds it to the registry.
func (a *Agent) load(ctx context.Context, acc *account.Account) error {
	if err := a.engine.Resolve(ctx, acc); err != nil {
		return fmt.Errorf("account %q: %w", acc.Name, err)
	}

	if err := a.engine.Refresh(ctx, acc, oidc.ForceNewToken); err != nil {
		return fmt.Errorf("account %q: %w", acc.Name, err)
	}

	acc.ClearCredentials()

	if err := a.accounts.Add(acc); err != nil {
		return err
	}

	a.logger.Info("account loaded", slog.String("account", acc.Name))

	return nil
}

// remove unloads an account, optionally revoking its refresh token
// first. The account must be loaded. With permanently set its persisted
// config is deleted too.
func (a *Agent) remove(ctx context.Context, req *Request) (Response, error) {
	name, err := requestAccountName(req)
	if err != nil {
		return Response{}, err
	}

	acc, ok := a.accounts.Find(name)
	if !ok {
		err := fmt.Errorf("%w: account %q is not loaded", apperrors.ErrNotFound, name)
		if req.Revoke {
			return Response{}, fmt.Errorf("could not revoke token: %w", err)
		}

		return Response{}, err
	}
	defer acc.Wipe()

	if req.Revoke {
		if err := a.revoke(ctx, acc); err != nil {
			return Response{}, fmt.Errorf("could not revoke token of account %q: %w", name, err)
		}
	}

	a.accounts.Remove(name)
	a.logger.Info("account removed", slog.String("account", name), slog.Bool("revoked", req.Revoke))

	if req.Permanently && a.state != nil {
		if err := a.state.DeleteAccount(name); err != nil {
			return Response{Status: StatusSuccess, Info: fmt.Sprintf("account unloaded but persisted config not deleted: %v", err)}, nil
		}

		a.logger.Info("persisted account deleted", slog.String("account", name))
	}

	return success(), nil
}

func (a *Agent) revoke(ctx context.Context, acc *account.Account) error {
	if acc.RevocationEndpoint == "" {
		if err := a.engine.Resolve(ctx, acc); err != nil {
			return err
		}
	}

	return a.engine.Revoke(ctx, acc)
}

// requestAccountName takes the account name from the request, falling
// back to the name in an attached account config.
func requestAccountName(req *Request) (string, error) {
	if req.Account != "" {
		return req.Account, nil
	}

	if len(req.Config) == 0 {
		return "", fmt.Errorf("%w: need an account name", apperrors.ErrArgument)
	}

	acc, err := account.FromJSON(req.Config)
	if err != nil {
		return "", err
	}
	defer acc.Wipe()

	return acc.Name, nil
}

// removeAll unloads every account and drops every password entry. With
// permanently set all persisted configs are deleted as well.
func (a *Agent) removeAll(req *Request) (Response, error) {
	n := a.accounts.Len()
	a.accounts.Clear()
	a.passwords.RemoveAll()

	a.logger.Info("all accounts removed", slog.Int("accounts", n))

	if !req.Permanently || a.state == nil {
		return success(), nil
	}

	names, err := a.state.AccountNames()
	if err != nil {
		return Response{}, fmt.Errorf("listing persisted accounts: %w", err)
	}

	for _, name := range names {
		if err := a.state.DeleteAccount(name); err != nil {
			return Response{}, fmt.Errorf("deleting persisted account %q: %w", name, err)
		}
	}

	a.logger.Info("persisted accounts deleted", slog.Int("accounts", len(names)))

	return success(), nil
}

type issuedToken struct {
	value     string
	expiresAt time.Time
}

// token returns an access token valid for at least the requested
// period, refreshing it when needed.
func (a *Agent) token(ctx context.Context, req *Request) (Response, error) {
	if req.Account == "" {
		return Response{}, fmt.Errorf("%w: need an account name", apperrors.ErrArgument)
	}

	name := req.Account
	minValid := req.minValid()

	acc, ok := a.accounts.Find(name)
	if !ok {
		if err := a.autoloadAccount(ctx, name); err != nil {
			return Response{}, err
		}

		acc, ok = a.accounts.Find(name)
		if !ok {
			return Response{}, fmt.Errorf("account %q: %w", name, apperrors.ErrNotFound)
		}
	}

	if acc.AccessTokenValidFor(a.now(), minValid) {
		tok := issuedToken{value: acc.AccessToken.Reveal(), expiresAt: acc.AccessTokenExpiresAt}
		acc.Wipe()

		return tokenResponse(tok), nil
	}
	acc.Wipe()

	key := fmt.Sprintf("%s\x00%d", name, req.MinValidPeriod)
	v, err, _ := a.refreshes.Do(key, func() (any, error) {
		return a.refreshToken(ctx, name, minValid)
	})
	if err != nil {
		return Response{}, err
	}

	return tokenResponse(v.(issuedToken)), nil
}

// refreshToken refreshes a copy of the named account and writes the
// result back if the account is still loaded. An account whose refresh
// token the provider rejected is unloaded.
func (a *Agent) refreshToken(ctx context.Context, name string, minValid time.Duration) (issuedToken, error) {
	acc, ok := a.accounts.Find(name)
	if !ok {
		return issuedToken{}, fmt.Errorf("account %q: %w", name, apperrors.ErrNotFound)
	}
	defer acc.Wipe()

	if err := a.engine.Refresh(ctx, acc, minValid); err != nil {
		var perr *apperrors.ProviderError
		if errors.As(err, &perr) && perr.Code == "invalid_grant" {
			a.accounts.Remove(name)
			a.logger.Warn("refresh token rejected, account unloaded", slog.String("account", name))
		}

		return issuedToken{}, fmt.Errorf("account %q: %w", name, err)
	}

	if !a.accounts.Update(acc) {
		a.logger.Debug("account removed during refresh", slog.String("account", name))
	}

	return issuedToken{value: acc.AccessToken.Reveal(), expiresAt: acc.AccessTokenExpiresAt}, nil
}

func tokenResponse(tok issuedToken) Response {
	resp := Response{Status: StatusSuccess, AccessToken: tok.value}
	if !tok.expiresAt.IsZero() {
		resp.ExpiresAt = tok.expiresAt.Unix()
	}

	return resp
}

// autoloadAccount loads a persisted account config, decrypting it with
// the password stored for its short name.
func (a *Agent) autoloadAccount(ctx context.Context, name string) error {
	if !a.autoload || a.state == nil || !a.state.HasAccount(name) {
		return fmt.Errorf("account %q: %w", name, apperrors.ErrNotFound)
	}

	pw, err := a.passwords.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("autoloading account %q: %w", name, err)
	}

	config, err := a.state.Account(name, pw)
	pw.Wipe()
	if err != nil {
		return fmt.Errorf("autoloading account %q: %w", name, err)
	}

	acc, err := account.FromJSON(config)
	clear(config)
	if err != nil {
		return fmt.Errorf("autoloading account %q: %w", name, err)
	}
	defer acc.Wipe()

	err = a.load(ctx, acc)
	if errors.Is(err, apperrors.ErrDuplicate) {
		// Another request loaded it first.
		return nil
	}

	if err == nil {
		a.logger.Info("account autoloaded", slog.String("account", name))
	}

	return err
}

func (a *Agent) list() (Response, error) {
	names := a.accounts.Names()
	if names == nil {
		names = []string{}
	}

	return Response{Status: StatusSuccess, AccountList: names}, nil
}

// register performs dynamic client registration for an account that is
// not loaded yet.
func (a *Agent) register(ctx context.Context, req *Request) (Response, error) {
	acc, err := account.FromJSON(req.Config)
	if err != nil {
		return Response{}, err
	}
	defer acc.Wipe()

	if a.accounts.Contains(acc.Name) {
		return Response{}, fmt.Errorf("account %q: %w, not registering a new client", acc.Name, apperrors.ErrDuplicate)
	}

	if err := a.engine.Resolve(ctx, acc); err != nil {
		return Response{}, fmt.Errorf("account %q: %w", acc.Name, err)
	}

	reg, err := a.engine.Register(ctx, acc)
	if err != nil {
		return Response{}, fmt.Errorf("registering client for account %q: %w", acc.Name, err)
	}

	switch reg.Outcome {
	case oidc.RegistrationSucceeded:
		resp := Response{Status: StatusSuccess, Client: json.RawMessage(reg.Client)}
		if reg.Error != "" {
			resp.Info = fmt.Sprintf("registered with explicit grant types after the first attempt was rejected: %s", reg.Error)
		}

		return resp, nil
	case oidc.RegistrationNeedsGrantTypes:
		return Response{
			Status: StatusError,
			Error:  reg.Error,
			Info:   reg.Remediation,
			Client: json.RawMessage(reg.Client),
		}, nil
	}

	return Response{}, fmt.Errorf("registering client for account %q: %w: %s", acc.Name, apperrors.ErrProvider, reg.Error)
}

// codeExchange finishes the code flow started by gen.
func (a *Agent) codeExchange(ctx context.Context, req *Request) (Response, error) {
	if req.Code == "" {
		return Response{}, fmt.Errorf("%w: need an authorization code", apperrors.ErrArgument)
	}

	if req.State == "" {
		return Response{}, fmt.Errorf("%w: need the state of the authorization request", apperrors.ErrArgument)
	}

	acc, err := account.FromJSON(req.Config)
	if err != nil {
		return Response{}, err
	}
	defer acc.Wipe()

	if err := a.engine.Resolve(ctx, acc); err != nil {
		return Response{}, fmt.Errorf("account %q: %w", acc.Name, err)
	}

	if err := a.engine.ExchangeCode(ctx, acc, req.Code, req.RedirectURI); err != nil {
		return Response{}, fmt.Errorf("account %q: %w", acc.Name, err)
	}

	return a.commit(ctx, acc, req.State, req.Persist)
}

// stateLookup hands out the config of the account tagged with a state
// once.
func (a *Agent) stateLookup(req *Request) (Response, error) {
	if req.State == "" {
		return Response{}, fmt.Errorf("%w: need a state", apperrors.ErrArgument)
	}

	acc, ok := a.accounts.TakeByState(req.State)
	if !ok {
		return Response{
			Status: StatusNotFound,
			Info:   fmt.Sprintf("no loaded account info found for state=%s", req.State),
		}, nil
	}
	defer acc.Wipe()

	config, err := account.ToJSON(acc)
	if err != nil {
		return Response{}, err
	}

	return Response{Status: StatusSuccess, Config: config}, nil
}

// device polls for a device authorization started by gen.
func (a *Agent) device(ctx context.Context, req *Request) (Response, error) {
	if req.Device == nil || req.Device.DeviceCode == "" {
		return Response{}, fmt.Errorf("%w: need a device authorization", apperrors.ErrArgument)
	}

	acc, err := account.FromJSON(req.Config)
	if err != nil {
		return Response{}, err
	}
	defer acc.Wipe()

	if err := a.engine.Resolve(ctx, acc); err != nil {
		return Response{}, fmt.Errorf("account %q: %w", acc.Name, err)
	}

	if err := a.engine.DeviceToken(ctx, acc, req.Device.oauth2()); err != nil {
		return Response{}, fmt.Errorf("account %q: %w", acc.Name, err)
	}

	return a.commit(ctx, acc, "", req.Persist)
}

func (a *Agent) savePassword(req *Request) (Response, error) {
	entry, err := passwords.EntryFromJSON(req.PasswordEntry, a.now())
	if err != nil {
		return Response{}, err
	}

	if err := a.passwords.Save(entry); err != nil {
		return Response{}, err
	}

	return success(), nil
}

func (a *Agent) removePassword(req *Request) (Response, error) {
	if req.Shortname == "" {
		return Response{}, fmt.Errorf("%w: need a shortname", apperrors.ErrArgument)
	}

	a.passwords.Remove(req.Shortname, req.Permanently)

	return success(), nil
}

func (a *Agent) check() (Response, error) {
	return Response{Status: StatusSuccess, Info: "oidc-agent is running"}, nil
}
