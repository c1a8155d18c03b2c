package filesystem

import (
	"fmt"
	"os/user"
	"strconv"
)

// SystemOwners resolves owners from the host's user and group databases.
type SystemOwners struct{}

// LookupUser implements Owner.
func (SystemOwners) LookupUser(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	return uid, nil
}

// LookupGroup implements Owner.
func (SystemOwners) LookupGroup(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("parse gid %q: %w", g.Gid, err)
	}
	return gid, nil
}
