//go:build !lfhtdebug

package epoch

// assertCookie is a no-op in normal builds; see assert_debug.go for the
// lfhtdebug-tagged check this stands in for.
func assertCookie(c *client, cookie Cookie) {}
