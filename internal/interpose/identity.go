//go:build linux

package interpose

import "os/user"

// Getpwnam looks up a user and reports the confined user data directory as
// its home.
func (ip *Interposer) Getpwnam(name string) (*user.User, error) {
	u, err := realOf[LookupNameFunc](ip, "getpwnam")(name)
	if err == nil {
		ip.confineHome(u)
	}
	return u, err
}

// Getpwuid is Getpwnam keyed by user ID.
func (ip *Interposer) Getpwuid(uid int) (*user.User, error) {
	u, err := realOf[LookupIDFunc](ip, "getpwuid")(uid)
	if err == nil {
		ip.confineHome(u)
	}
	return u, err
}

// GetpwnamR fills the caller's record instead of returning a new one.
func (ip *Interposer) GetpwnamR(name string, pwd *user.User) error {
	err := realOf[NameIntoFunc](ip, "getpwnam_r")(name, pwd)
	if err == nil {
		ip.confineHome(pwd)
	}
	return err
}

// GetpwuidR is GetpwnamR keyed by user ID.
func (ip *Interposer) GetpwuidR(uid int, pwd *user.User) error {
	err := realOf[IDIntoFunc](ip, "getpwuid_r")(uid, pwd)
	if err == nil {
		ip.confineHome(pwd)
	}
	return err
}

func (ip *Interposer) confineHome(u *user.User) {
	if u == nil || !ip.ctx.Enabled() || ip.ctx.UserDataDir == "" {
		return
	}
	if u.HomeDir != ip.ctx.UserDataDir {
		ip.log().Debug("home directory confined", "user", u.Username, "home", u.HomeDir, "confined", ip.ctx.UserDataDir)
	}
	u.HomeDir = ip.ctx.UserDataDir
}
