package authz

// AuthMode selects how the request identity is established.
type AuthMode string

const (
	// AuthModeHeader trusts the X-Remote-User and X-Remote-Group headers set
	// by an authenticating proxy.
	AuthModeHeader AuthMode = "header"
	// AuthModeJWT reads the identity from a bearer token.
	AuthModeJWT AuthMode = "jwt"
)

// AuthzMode selects the authorization backend.
type AuthzMode string

const (
	// AuthzModeNone allows every request.
	AuthzModeNone AuthzMode = "none"
	// AuthzModeGroups allows reads to everyone and writes to members of
	// the configured writer groups.
	AuthzModeGroups AuthzMode = "groups"
)
