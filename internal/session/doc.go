// Package session is the active-session store consulted by the session
// verifier. A session is active while its Redis hash exists; revoking a
// session deletes the hash.
package session
