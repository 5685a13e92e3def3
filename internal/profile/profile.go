package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bpicori/shimfs/internal/procctx"
)

// Path validation errors. Use errors.Is to check for them.
var (
	ErrPathEmpty       = errors.New("path must not be empty")
	ErrPathControlChar = errors.New("path contains control character")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathDotDot      = errors.New("path must not contain '..' components")
	ErrPathSensitive   = errors.New("path overlaps with sensitive path")
	ErrOverlayRoot     = errors.New("overlay root must not be /")
)

// Profile holds the parsed, validated confinement configuration of a
// launched command. Environ turns it into the variables the interception
// layer reads at startup.
type Profile struct {
	OverlayRoot   string `yaml:"overlay"`
	DataDir       string `yaml:"data"`
	UserDataDir   string `yaml:"user_data"`
	UserCommonDir string `yaml:"user_common"`
	TmpDir        string `yaml:"tmp"`

	Name     string `yaml:"name"`
	Revision string `yaml:"revision"`

	PreloadLibs []string `yaml:"preload"`
	AltLoader   string   `yaml:"alt_loader"`

	AllowDomains []string `yaml:"allow_domains"`
	DenyDomains  []string `yaml:"deny_domains"`

	WorkDir     string `yaml:"dir"`
	ShowProfile bool   `yaml:"-"`

	Command []string `yaml:"command"`
}

// Load decodes a YAML profile. Unknown keys are rejected so that a typo
// does not silently drop a setting.
func Load(r io.Reader) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// LoadFile reads the YAML profile at path.
func LoadFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate checks the profile for logical consistency and ensures all
// paths are absolute and clean. The writable directories must not overlap
// the given sensitive system paths (see Platform.SensitivePaths).
// It returns a combined error of every issue found.
func (p *Profile) Validate(sensitivePaths []string) error {
	var errs []error

	if len(p.Command) == 0 {
		errs = append(errs, errors.New("command must not be empty"))
	}

	if p.OverlayRoot == "" {
		errs = append(errs, errors.New("overlay root must be set"))
	} else if resolved, err := resolveAndValidatePath(p.OverlayRoot, nil); err != nil {
		errs = append(errs, fmt.Errorf("overlay %q: %w", p.OverlayRoot, err))
	} else if resolved == "/" {
		errs = append(errs, ErrOverlayRoot)
	} else {
		p.OverlayRoot = resolved
	}

	p.DataDir, errs = validateDir(p.DataDir, "data dir", sensitivePaths, errs)
	p.UserDataDir, errs = validateDir(p.UserDataDir, "user data dir", sensitivePaths, errs)
	p.UserCommonDir, errs = validateDir(p.UserCommonDir, "user common dir", sensitivePaths, errs)
	p.TmpDir, errs = validateDir(p.TmpDir, "tmp dir", sensitivePaths, errs)

	for _, lib := range p.PreloadLibs {
		if _, err := resolveAndValidatePath(lib, nil); err != nil {
			errs = append(errs, fmt.Errorf("preload %q: %w", lib, err))
		}
	}
	if p.AltLoader != "" {
		if _, err := resolveAndValidatePath(p.AltLoader, nil); err != nil {
			errs = append(errs, fmt.Errorf("alt loader %q: %w", p.AltLoader, err))
		}
	}

	if strings.ContainsAny(p.Name, "/\x00") {
		errs = append(errs, fmt.Errorf("name %q must not contain '/'", p.Name))
	}

	if p.WorkDir != "" {
		resolved, err := resolveAndValidatePath(p.WorkDir, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("work dir %q: %w", p.WorkDir, err))
		} else {
			p.WorkDir = resolved
			info, err := os.Stat(resolved)
			if err != nil {
				errs = append(errs, fmt.Errorf("work dir %q: %w", resolved, err))
			} else if !info.IsDir() {
				errs = append(errs, fmt.Errorf("work dir %q is not a directory", resolved))
			}
		}
	}

	// Validate domain format (must be hostnames, not URLs).
	for _, d := range p.AllowDomains {
		if err := validateDomain(d); err != nil {
			errs = append(errs, fmt.Errorf("--allow-domain %q: %w", d, err))
		}
	}
	for _, d := range p.DenyDomains {
		if err := validateDomain(d); err != nil {
			errs = append(errs, fmt.Errorf("--deny-domain %q: %w", d, err))
		}
	}

	// Allowlist and denylist are mutually exclusive to avoid ambiguous semantics.
	if len(p.AllowDomains) > 0 && len(p.DenyDomains) > 0 {
		errs = append(errs, errors.New("--allow-domain and --deny-domain cannot be combined"))
	}

	return errors.Join(errs...)
}

// FiltersEgress reports whether the command's network access goes through
// the egress proxy.
func (p *Profile) FiltersEgress() bool {
	return len(p.AllowDomains) > 0 || len(p.DenyDomains) > 0
}

// Environ returns the variables that describe the confinement to the
// interception layer, in a stable order. Unset settings are omitted.
func (p *Profile) Environ() []string {
	var env []string
	add := func(name, value string) {
		if value != "" {
			env = append(env, name+"="+value)
		}
	}
	add(procctx.EnvOverlayRoot, p.OverlayRoot)
	add(procctx.EnvDataDir, p.DataDir)
	add(procctx.EnvUserDataDir, p.UserDataDir)
	add(procctx.EnvUserCommonDir, p.UserCommonDir)
	add(procctx.EnvTmpDir, p.TmpDir)
	add(procctx.EnvName, p.Name)
	add(procctx.EnvRevision, p.Revision)
	add(procctx.EnvPreload, strings.Join(p.PreloadLibs, ":"))
	add(procctx.EnvAltLoader, p.AltLoader)
	return env
}

// ManagedEnv reports whether name is one of the variables Environ owns.
// The launcher replaces an inherited value only when the profile sets it.
func ManagedEnv(name string) bool {
	switch name {
	case procctx.EnvOverlayRoot, procctx.EnvDataDir, procctx.EnvUserDataDir,
		procctx.EnvUserCommonDir, procctx.EnvTmpDir, procctx.EnvName,
		procctx.EnvRevision, procctx.EnvPreload, procctx.EnvAltLoader:
		return true
	}
	return false
}

// validateDir validates an optional writable directory setting.
func validateDir(dir, label string, sensitivePaths []string, errs []error) (string, []error) {
	if dir == "" {
		return dir, errs
	}
	r, err := resolveAndValidatePath(dir, sensitivePaths)
	if err != nil {
		return dir, append(errs, fmt.Errorf("%s %q: %w", label, dir, err))
	}
	return r, errs
}

// resolveAndValidatePath ensures a path is absolute, resolves symlinks, and validates the path
func resolveAndValidatePath(raw string, sensitivePaths []string) (string, error) {
	if raw == "" {
		return "", ErrPathEmpty
	}

	// Reject control characters, like null bytes or backspace, tabs etc.
	for _, c := range raw {
		if c < 0x20 || c == 0x7f {
			return "", fmt.Errorf("%w (0x%02x)", ErrPathControlChar, c)
		}
	}

	if !filepath.IsAbs(raw) {
		return "", ErrPathNotAbsolute
	}

	if slices.Contains(strings.Split(raw, string(filepath.Separator)), "..") {
		return "", ErrPathDotDot
	}
	cleaned := filepath.Clean(raw)

	// Directories that do not exist yet keep their cleaned form.
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		resolved = cleaned
	}

	if err := checkSensitivePath(resolved, sensitivePaths); err != nil {
		return "", err
	}

	return resolved, nil
}

// checkSensitivePath returns an error if the given resolved path equals
// or is a child of any entry in sensitivePaths.
func checkSensitivePath(resolved string, sensitivePaths []string) error {
	for _, sensitive := range sensitivePaths {
		if pathOverlaps(resolved, sensitive) {
			return fmt.Errorf("%w %q", ErrPathSensitive, sensitive)
		}
	}
	return nil
}

// validateDomain checks that d is a bare hostname (with optional wildcard
// prefix), not a URL or path.
func validateDomain(d string) error {
	if d == "" {
		return errors.New("domain must not be empty")
	}
	if strings.Contains(d, "://") {
		return errors.New("must be a domain name, not a URL (remove the scheme)")
	}
	if strings.Contains(d, "/") {
		return errors.New("must be a domain name, not a URL path")
	}
	if strings.Contains(d, " ") {
		return errors.New("domain must not contain spaces")
	}
	return nil
}

// pathOverlaps reports whether a and b are equal, or one contains the other.
func pathOverlaps(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)

	if a == b {
		return true
	}

	aSlash := strings.TrimSuffix(a, "/") + "/"
	bSlash := strings.TrimSuffix(b, "/") + "/"
	return strings.HasPrefix(aSlash, bSlash) || strings.HasPrefix(bSlash, aSlash)
}
