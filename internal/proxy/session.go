package proxy

import "regexp"

// Session tagging is a path convention: a client that wants its traffic
// grouped prefixes every request path with /_session/{id}. The prefix is
// stripped before classification, so /_session/foo/v1/messages forwards
// to /v1/messages and classifies by that path.
var sessionPattern = regexp.MustCompile(`^/_session/([A-Za-z0-9._\-]{1,128})(/.*)?$`)

// SplitSessionPath extracts the session id from a path. When the path
// carries no session prefix it returns "" and the path unchanged.
func SplitSessionPath(path string) (sessionID, forwarded string) {
	m := sessionPattern.FindStringSubmatch(path)
	if m == nil {
		return "", path
	}
	forwarded = m[2]
	if forwarded == "" {
		forwarded = "/"
	}
	return m[1], forwarded
}
