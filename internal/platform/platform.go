package platform

import (
	"context"
	"fmt"
)

// Status is the adapter-produced fragment of a channel status: everything the
// platform can tell us, minus the watch identity the caller already holds.
type Status struct {
	Live      bool
	Title     string
	Signature string
	URL       string
}

// Adapter resolves channel status and avatar location for one platform.
//
// ResolveStatus must return a typed error when it cannot determine the status;
// it never reports "offline" as a stand-in for "unknown". ResolveAvatarURL may
// return an empty string with nil error when the platform simply has no image.
type Adapter interface {
	Name() string
	ResolveStatus(ctx context.Context, id string) (Status, error)
	ResolveAvatarURL(ctx context.Context, id string) (string, error)
}

// Registry maps platform keys to their adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Lookup returns the adapter for the given platform key.
func (r *Registry) Lookup(platform string) (Adapter, error) {
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}
	return a, nil
}

// Defaults returns the production registry for the two supported platforms.
func Defaults(client HTTPDoer) *Registry {
	return NewRegistry(
		NewChzzk(client),
		NewSoop(client),
	)
}
