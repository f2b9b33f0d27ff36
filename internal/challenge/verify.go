package challenge

// Verify checks a submitted answer against the catalog. The name is matched
// ignoring case and whitespace; the flag must match exactly. It has no side
// effects.
func Verify(c *Catalog, name, flag string) (Challenge, bool) {
	ch, ok := c.Lookup(name)
	if !ok || ch.Flag != flag {
		return Challenge{}, false
	}
	return ch, true
}
