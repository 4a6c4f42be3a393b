package git

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

var defaultPorts = map[string]string{
	"ssh":   "22",
	"git":   "9418",
	"http":  "80",
	"https": "443",
}

// NormalizeURL reduces a remote URL to a key that is equal for every spelling
// of the same repository: scheme, user, default port, a trailing ".git" or "/"
// and the case of the host are ignored, and scp-like syntax equals ssh://.
// Local paths become "file:" followed by the cleaned absolute path.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if isLocalPath(raw) {
		abs, err := filepath.Abs(raw)
		if err != nil {
			abs = raw
		}
		return "file:" + trimRepoSuffix(filepath.ToSlash(filepath.Clean(abs)))
	}
	if host, p, ok := splitSCP(raw); ok {
		return strings.ToLower(host) + "/" + trimRepoSuffix(strings.TrimLeft(p, "/"))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(trimRepoSuffix(raw))
	}
	if u.Scheme == "file" {
		return "file:" + trimRepoSuffix(path.Clean(u.Path))
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPorts[strings.ToLower(u.Scheme)] {
		host += ":" + port
	}
	return host + "/" + trimRepoSuffix(strings.TrimLeft(path.Clean("/"+u.Path), "/"))
}

// SameRepository reports whether two remote URLs name the same repository.
func SameRepository(a, b string) bool {
	na, nb := NormalizeURL(a), NormalizeURL(b)
	return na != "" && na == nb
}

// ResolveSubmoduleURL resolves a .gitmodules URL starting with "./" or "../"
// against the composite repository's remote URL, as git does.
func ResolveSubmoduleURL(subURL, compositeURL string) string {
	if !strings.HasPrefix(subURL, "./") && !strings.HasPrefix(subURL, "../") {
		return subURL
	}
	base := strings.TrimRight(compositeURL, "/")
	sep := "/"
	rel := subURL
	for {
		switch {
		case strings.HasPrefix(rel, "./"):
			rel = rel[2:]
			continue
		case strings.HasPrefix(rel, "../"):
			rel = rel[3:]
			idx := strings.LastIndexAny(base, "/:")
			if idx < 0 {
				base = "."
				continue
			}
			if base[idx] == ':' {
				sep = ":"
			}
			base = base[:idx]
			continue
		}
		break
	}
	if strings.HasSuffix(base, ":") || strings.HasSuffix(base, "/") {
		return base + rel
	}
	return base + sep + rel
}

func trimRepoSuffix(p string) string {
	p = strings.TrimRight(p, "/")
	p = strings.TrimSuffix(p, ".git")
	return strings.TrimRight(p, "/")
}

// splitSCP recognizes "[user@]host:path" where the host part has no slash.
func splitSCP(raw string) (host, p string, ok bool) {
	if strings.Contains(raw, "://") {
		return "", "", false
	}
	colon := strings.Index(raw, ":")
	if colon <= 0 {
		return "", "", false
	}
	if slash := strings.Index(raw, "/"); slash >= 0 && slash < colon {
		return "", "", false
	}
	host = raw[:colon]
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	return host, raw[colon+1:], host != ""
}

// isLocalPath reports whether raw is a filesystem path rather than a URL.
func isLocalPath(raw string) bool {
	if strings.Contains(raw, "://") {
		return false
	}
	if filepath.IsAbs(raw) || strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../") || raw == "." || raw == ".." {
		return true
	}
	// Windows drive letters look like scp hosts.
	if len(raw) >= 2 && raw[1] == ':' && (len(raw) == 2 || raw[2] == '\\' || raw[2] == '/') {
		return true
	}
	_, _, scp := splitSCP(raw)
	return !scp
}
