package gpu

// CanAccessPeer reports whether device dev1 can directly access memory on
// device dev2.
func (c *Context) CanAccessPeer(dev1, dev2 SublocID) (bool, error) {
	return c.backend.CanAccessPeer(dev1, dev2)
}

// SetPeerAccess grants or revokes dev1's access to dev2's memory. Only the
// dev1-to-dev2 direction changes; callers wanting symmetric access request
// the reverse direction themselves. Repeating the call is idempotent.
func (c *Context) SetPeerAccess(dev1, dev2 SublocID, enable bool) error {
	if err := c.switchTo(dev1); err != nil {
		return err
	}
	return c.backend.SetPeerAccess(dev1, dev2, enable)
}
