package backend

import (
	"net/http"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// defaultTokenUser is sent as the basic-auth username when only a token is set.
// GitHub, GitLab and Gitea all accept any non-empty user for token auth.
const defaultTokenUser = "x-access-token"

// authMethod returns the go-git auth for url, or nil for non-HTTP transports
// and empty credentials. Extra headers are installed separately through
// InstallHTTPHeaders because go-git has no per-request header option.
func authMethod(url string, creds Credentials) transport.AuthMethod {
	if creds.Token == "" {
		return nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil
	}
	user := creds.Username
	if user == "" {
		user = defaultTokenUser
	}
	return &githttp.BasicAuth{Username: user, Password: creds.Token}
}

var installHeadersMu sync.Mutex

// InstallHTTPHeaders replaces go-git's http and https transports with clients
// that add headers to every request. It affects the whole process.
func InstallHTTPHeaders(headers map[string]string) {
	if len(headers) == 0 {
		return
	}
	installHeadersMu.Lock()
	defer installHeadersMu.Unlock()

	c := &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: cloneHeaders(headers)}}
	t := githttp.NewClient(c)
	client.InstallProtocol("http", t)
	client.InstallProtocol("https", t)
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func cloneHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ParseHeader splits a "Name: value" header argument.
func ParseHeader(raw string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.ContainsAny(name, " \t") {
		return "", "", false
	}
	return name, strings.TrimSpace(value), true
}
