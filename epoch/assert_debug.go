//go:build lfhtdebug

package epoch

// assertCookie is epoch.c's !NDEBUG cookie-matching check: with the
// lfhtdebug build tag set, Leave panics if handed a cookie that does
// not match the epoch the client record was last entered under, catching a
// caller bug (e.g. leaving twice, or leaving with a cookie from a different
// Handle) instead of silently decrementing the wrong bracket.
func assertCookie(c *client, cookie Cookie) {
	if cookie.epochBits() != c.epoch.Load()&epochBit {
		panic("epoch: Leave called with a cookie from a stale bracket")
	}
}
