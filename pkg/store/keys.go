package store

// Redis key prefixes.
const (
	prefixPrincipal  = "principal:"
	prefixCredential = "cred:"
	prefixServer     = "srv:"
	prefixPolicy     = "policy:"
	prefixSession    = "sess:"
	prefixActiveIdx  = "sessidx:"
	keyAuthLog       = "authlog"
)

func principalKey(id string) string        { return prefixPrincipal + id }
func credentialKey(username string) string { return prefixCredential + username }
func serverKey(id string) string           { return prefixServer + id }
func policyKey(id string) string           { return prefixPolicy + id }
func sessionKey(id string) string          { return prefixSession + id }
func activeIdxKey(triple string) string    { return prefixActiveIdx + triple }
