// Package credential locates the active bearer token in the local credential
// store. Resolution is a pure function of the store contents: nothing is
// cached, so every authenticated operation resolves again.
package credential

import (
	"errors"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/config"
)

// Credential is an opaque bearer token.
type Credential string

// ErrUnauthenticated is returned when no source yields a token. It is an
// expected steady state, not a fault.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver tries its sources in priority order.
type Resolver struct {
	kv      KV
	sources []Source
	logger  *zap.Logger
}

// NewResolver creates a resolver over kv. Sources are tried in the given order.
func NewResolver(kv KV, logger *zap.Logger, sources ...Source) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{kv: kv, sources: sources, logger: logger}
}

// DefaultSources returns the stock priority order: structured session object,
// vendor profile, then the legacy flat keys.
func DefaultSources() []Source {
	return []Source{
		JSONPathSource{Label: "session", Key: "auth-session", Path: "state.token"},
		JSONPathSource{Label: "vendor-profile", Key: "vendor-profile", Path: "token"},
		FlatSource{Key: "token"},
		FlatSource{Key: "authToken"},
		FlatSource{Key: "access_token"},
	}
}

// Resolve returns the first present, non-empty token.
func (r *Resolver) Resolve() (Credential, error) {
	token, _, err := r.resolve()
	return token, err
}

// Which is Resolve that also reports the name of the source that won.
func (r *Resolver) Which() (Credential, string, error) {
	return r.resolve()
}

func (r *Resolver) resolve() (Credential, string, error) {
	if r == nil || r.kv == nil {
		return "", "", ErrUnauthenticated
	}
	for _, src := range r.sources {
		token, err := src.Lookup(r.kv)
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				r.logger.Debug("malformed credential entry", zap.String("source", src.Name()), zap.Error(err))
			} else {
				r.logger.Warn("credential store read failed", zap.String("source", src.Name()), zap.Error(err))
			}
			continue
		}
		if token != "" {
			return Credential(token), src.Name(), nil
		}
	}
	return "", "", ErrUnauthenticated
}

// Mask renders a credential for logs and diagnostics.
func (c Credential) Mask() string {
	if len(c) <= 8 {
		return "****"
	}
	return string(c[:4]) + "…" + string(c[len(c)-4:])
}

// FromConfig builds the source order from configuration: the structured
// session object, the vendor profile, then each legacy key. An empty
// configuration yields DefaultSources.
func FromConfig(c config.CredentialConfig) []Source {
	var sources []Source
	if c.SessionKey != "" {
		sources = append(sources, JSONPathSource{Label: "session", Key: c.SessionKey, Path: c.SessionPath})
	}
	if c.VendorKey != "" {
		sources = append(sources, JSONPathSource{Label: "vendor-profile", Key: c.VendorKey, Path: c.VendorPath})
	}
	for _, k := range c.LegacyKeys {
		sources = append(sources, FlatSource{Key: k})
	}
	if len(sources) == 0 {
		return DefaultSources()
	}
	return sources
}
