package api

import "strings"

// BearerToken strips the "Bearer " scheme from an Authorization value.
func BearerToken(authorization string) string {
	return strings.TrimPrefix(authorization, "Bearer ")
}

// RestoreHeaders reapplies a Headers() snapshot through c's setters. Headers
// missing from h are cleared.
func RestoreHeaders(c Client, h map[string]string) {
	c.SetAccessToken(BearerToken(h[HeaderAuthorization]))
	c.SetRefreshToken(h[HeaderRefreshToken])
	c.SetProfileID(h[HeaderProfileID])
}
