package agent

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/oidc"
	"golang.org/x/oauth2"
)

// Request operations.
const (
	OpGen            = "gen"
	OpAdd            = "add"
	OpRemove         = "remove"
	OpRemoveAll      = "remove_all"
	OpToken          = "token"
	OpList           = "list"
	OpRegister       = "register"
	OpCodeExchange   = "code_exchange"
	OpStateLookup    = "state_lookup"
	OpDevice         = "device"
	OpSavePassword   = "save_password"
	OpRemovePassword = "remove_password"
	OpCheck          = "check"
)

// Status is the outcome tag of a response.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusNotFound Status = "notfound"
)

// Request is one decoded client request. Which fields are read depends
// on Op.
type Request struct {
	Op string `json:"request" validate:"required,oneof=gen add remove remove_all token list register code_exchange state_lookup device save_password remove_password check"`

	// Config is an account configuration as produced by account.ToJSON.
	Config json.RawMessage `json:"config,omitempty"`

	// Account names a loaded account for token and remove.
	Account string `json:"account,omitempty"`

	Flows          FlowList `json:"flow,omitempty"`
	MinValidPeriod int64    `json:"min_valid_period,omitempty" validate:"gte=0,lte=31536000"`
	Revoke         bool     `json:"revoke,omitempty"`
	Persist        bool     `json:"persist,omitempty"`

	Code        string `json:"code,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	State       string `json:"state,omitempty"`

	Device *DeviceAuth `json:"device,omitempty"`

	// PasswordEntry is a password entry for save_password.
	PasswordEntry json.RawMessage `json:"pw_entry,omitempty"`
	Shortname     string          `json:"shortname,omitempty"`

	// Permanently deletes a password entry instead of expiring it. For
	// remove and remove_all it also deletes persisted account configs.
	Permanently bool `json:"permanently,omitempty"`
}

// minValid converts MinValidPeriod to a duration.
func (r *Request) minValid() time.Duration {
	return time.Duration(r.MinValidPeriod) * time.Second
}

// FlowList is an ordered list of flow names. On the wire it is either a
// JSON array or a single string such as "refresh password".
type FlowList []string

// UnmarshalJSON accepts a string or an array of strings.
func (f *FlowList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = oidc.ParseFlows(s)
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("%w: flow must be a string or a list of strings", apperrors.ErrArgument)
	}

	*f = list

	return nil
}

// Response is the outcome of one request.
type Response struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	Info   string `json:"info,omitempty"`

	Config      json.RawMessage `json:"config,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
	ExpiresAt   int64           `json:"expires_at,omitempty"`
	AccountList []string        `json:"account_list,omitzero"`

	URI   string `json:"uri,omitempty"`
	State string `json:"state,omitempty"`

	Client json.RawMessage `json:"client,omitempty"`
	Device *DeviceAuth     `json:"device,omitempty"`
}

// DeviceAuth is a pending device authorization, handed to the client
// after gen initiates the device flow and sent back with the device
// request.
type DeviceAuth struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresAt               int64  `json:"expires_at,omitempty"`
	Interval                int64  `json:"interval,omitempty"`
}

func deviceAuthFrom(da *oauth2.DeviceAuthResponse) *DeviceAuth {
	d := &DeviceAuth{
		DeviceCode:              da.DeviceCode,
		UserCode:                da.UserCode,
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		Interval:                da.Interval,
	}
	if !da.Expiry.IsZero() {
		d.ExpiresAt = da.Expiry.Unix()
	}

	return d
}

func (d *DeviceAuth) oauth2() *oauth2.DeviceAuthResponse {
	da := &oauth2.DeviceAuthResponse{
		DeviceCode:              d.DeviceCode,
		UserCode:                d.UserCode,
		VerificationURI:         d.VerificationURI,
		VerificationURIComplete: d.VerificationURIComplete,
		Interval:                d.Interval,
	}
	if d.ExpiresAt > 0 {
		da.Expiry = time.Unix(d.ExpiresAt, 0)
	}

	return da
}

func success() Response {
	return Response{Status: StatusSuccess}
}
