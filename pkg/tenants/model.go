package tenants

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"orgstream/pkg/problems"
)

// Record is one row of the tenant directory: an org id plus its raw connection info blob.
type Record struct {
	TenantID       string
	ConnectionInfo string
}

// ConnectionInfo is the connection-info JSON stored in the directory and carried by
// control-channel events.
type ConnectionInfo struct {
	OrgID           string `json:"orgId" yaml:"orgId"`
	InstanceURL     string `json:"instance_url" yaml:"instance_url"`
	ClientID        string `json:"clientId" yaml:"clientId"`
	Username        string `json:"username" yaml:"username"`
	NamespacePrefix string `json:"namespace_prefix,omitempty" yaml:"namespace_prefix,omitempty"`
	Environment     string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// TokenURL is the OAuth token endpoint the bearer assertion is posted to (and its SAML recipient).
func (c ConnectionInfo) TokenURL() string {
	return strings.TrimRight(c.InstanceURL, "/") + "/services/oauth2/token"
}

// ParseConnectionInfo decodes a connection-info blob. fallbackOrgID fills orgId when the
// blob omits it (control events carry the org id next to the blob).
func ParseConnectionInfo(raw []byte, fallbackOrgID string) (ConnectionInfo, error) {
	var ci ConnectionInfo
	if err := json.Unmarshal(raw, &ci); err != nil {
		return ConnectionInfo{}, problems.New(problems.Parse, fallbackOrgID, "tenants.parse", err)
	}
	if ci.OrgID == "" {
		ci.OrgID = fallbackOrgID
	}
	switch {
	case ci.OrgID == "":
		return ConnectionInfo{}, problems.New(problems.Parse, fallbackOrgID, "tenants.parse", errors.New("orgId missing"))
	case ci.InstanceURL == "":
		return ConnectionInfo{}, problems.New(problems.Parse, ci.OrgID, "tenants.parse", errors.New("instance_url missing"))
	case ci.ClientID == "" || ci.Username == "":
		return ConnectionInfo{}, problems.New(problems.Parse, ci.OrgID, "tenants.parse", errors.New("clientId and username are required"))
	}
	return ci, nil
}

// Connection is an authenticated tenant connection. It is replaced wholesale on every
// re-authentication and never mutated in place.
type Connection struct {
	TenantID        string    `json:"orgId"`
	InstanceURL     string    `json:"instance_url"`
	ClientID        string    `json:"clientId"`
	Username        string    `json:"username"`
	NamespacePrefix string    `json:"namespace_prefix,omitempty"`
	AccessToken     string    `json:"-"`
	IssuedAt        time.Time `json:"issued_at"`
}

// NewConnection binds an access token to the tenant's connection info.
func NewConnection(ci ConnectionInfo, accessToken, instanceURL string, issuedAt time.Time) Connection {
	if instanceURL == "" {
		instanceURL = ci.InstanceURL
	}
	return Connection{
		TenantID:        ci.OrgID,
		InstanceURL:     strings.TrimRight(instanceURL, "/"),
		ClientID:        ci.ClientID,
		Username:        ci.Username,
		NamespacePrefix: ci.NamespacePrefix,
		AccessToken:     accessToken,
		IssuedAt:        issuedAt,
	}
}
