package jetqueue

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// EndpointResolver maps a backend instance name to its base URL.
type EndpointResolver interface {
	Resolve(ctx context.Context, instance string) (string, error)
}

type ResolverFunc func(ctx context.Context, instance string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, instance string) (string, error) {
	return f(ctx, instance)
}

// StaticResolver resolves from a fixed instance -> base URL map.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, instance string) (string, error) {
	base, ok := s[instance]
	if !ok || base == "" {
		return "", fmt.Errorf("instance %q does not exist", instance)
	}
	return base, nil
}

// AppendPath joins path onto the path of base, collapsing repeated slashes.
func AppendPath(base, path string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q needs a scheme and host", base)
	}
	segments := lo.Filter(strings.Split(u.Path+"/"+path, "/"), func(s string, _ int) bool {
		return s != ""
	})
	u.Path = "/" + strings.Join(segments, "/")
	u.RawPath = ""
	return u, nil
}

func websocketURL(base string, query url.Values) (string, error) {
	u, err := AppendPath(base, "/websocket")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
