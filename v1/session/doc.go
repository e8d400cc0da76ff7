// Package session tracks who is present on a co-edited document and what
// they are doing. Presence is best-effort: every mutation bumps the
// session's activity timestamp, and a session whose last activity falls
// outside the freshness window is simply excluded from active listings. No
// disconnect signal, heartbeat channel or background cleanup exists. All
// mutations require ownership, so one participant can never move another's
// cursor or flip their presence state.
package session
