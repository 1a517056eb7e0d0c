package domain

import "strings"

// Viewer is the identity on whose behalf anonymization and permission
// decisions are made. The zero value is the anonymous public audience.
type Viewer struct {
	// Username is the authenticated user name without the "user:" prefix.
	Username string
}

// PublicViewer returns the anonymous public audience.
func PublicViewer() Viewer { return Viewer{} }

// UserViewer returns the viewer for an authenticated username. A leading
// "user:" prefix is tolerated.
func UserViewer(username string) Viewer {
	return Viewer{Username: strings.TrimPrefix(strings.TrimSpace(username), "user:")}
}

// IsPublic reports whether the viewer is unauthenticated.
func (v Viewer) IsPublic() bool { return v.Username == "" }

// UserID returns the "user:<name>" identifier, or "" for the public audience.
func (v Viewer) UserID() string {
	if v.IsPublic() {
		return ""
	}
	return "user:" + v.Username
}

// String renders the viewer for logs.
func (v Viewer) String() string {
	if v.IsPublic() {
		return "public"
	}
	return v.UserID()
}
