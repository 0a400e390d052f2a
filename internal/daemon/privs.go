package daemon

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DropPrivileges switches to USER[:GROUP]. The group is applied first so
// the user switch cannot strip the right to change groups. Must run after
// the listeners are bound (privileged ports) and before the engine loop.
func DropPrivileges(spec string) error {
	name, group, hasGroup := strings.Cut(spec, ":")

	u, err := user.Lookup(name)
	if err != nil {
		return fmt.Errorf("looking up user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}

	gidStr := u.Gid
	if hasGroup && group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return fmt.Errorf("looking up group %q: %w", group, err)
		}
		gidStr = g.Gid
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return fmt.Errorf("parsing gid %q: %w", gidStr, err)
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}
