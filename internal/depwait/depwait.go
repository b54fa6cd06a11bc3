// Package depwait implements dep-wait analysis: it
// parses a source package's Build-Depends fields and the apt Packages
// files available in a chroot, then decides which (if any) of the
// package's direct build-dependencies remain unsatisfied.
package depwait

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// VersionConstraint is a single "(<op> <version>)" qualifier on a
// dependency, e.g. "(>= 1.2-1)".
type VersionConstraint struct {
	Operator string
	Version  string
}

// ArchRestriction is one entry of a "[arch1 !arch2 ...]" qualifier.
type ArchRestriction struct {
	Enabled  bool
	Wildcard string
}

// ProfileTerm is one entry inside a "<...>" build-profile restriction
// group; Enabled reflects whether the term is "active" given the
// currently active build profiles (i.e. "!nocheck" is Enabled when
// "nocheck" is NOT active).
type ProfileTerm struct {
	Enabled bool
	Profile string
}

// Dependency is a single alternative inside a disjunctive Build-Depends
// clause, e.g. one of "foo (>= 1.0)" | "bar [amd64]".
type Dependency struct {
	Name         string
	ArchQual     string
	Version      *VersionConstraint
	Arch         []ArchRestriction
	Restrictions [][]ProfileTerm // outer: AND; inner: OR
}

// OrDependency is a full Build-Depends clause: a set of alternatives, any
// one of which satisfies the clause.
type OrDependency []Dependency

var depTokenRE = regexp.MustCompile(`^\s*([a-zA-Z0-9][a-zA-Z0-9+.\-]*)(:[a-zA-Z0-9][a-zA-Z0-9+.\-]*)?\s*(\(\s*(<<|<=|=|>=|>>)\s*([^)]+?)\s*\))?\s*(\[([^\]]*)\])?\s*((?:<[^>]*>\s*)*)`)
var profileGroupRE = regexp.MustCompile(`<([^>]*)>`)

// ParseRelations parses a Build-Depends-style field value (commas
// separate AND'd clauses, "|" separates OR'd alternatives within a
// clause) into its constituent OrDependency clauses. activeProfiles is
// the set of currently active DEB_BUILD_PROFILES tokens, used to resolve
// the Enabled flag on profile restrictions.
func ParseRelations(field string, activeProfiles map[string]bool) ([]OrDependency, error) {
	var out []OrDependency
	for _, clause := range splitTopLevel(field, ',') {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		var or OrDependency
		for _, alt := range splitTopLevel(clause, '|') {
			dep, err := parseDependency(alt, activeProfiles)
			if err != nil {
				return nil, err
			}
			or = append(or, dep)
		}
		out = append(out, or)
	}
	return out, nil
}

func parseDependency(s string, activeProfiles map[string]bool) (Dependency, error) {
	m := depTokenRE.FindStringSubmatch(s)
	if m == nil {
		return Dependency{}, xerrors.Errorf("depwait: cannot parse dependency %q", s)
	}
	dep := Dependency{Name: m[1]}
	if m[2] != "" {
		dep.ArchQual = strings.TrimPrefix(m[2], ":")
	}
	if m[4] != "" {
		dep.Version = &VersionConstraint{Operator: m[4], Version: strings.TrimSpace(m[5])}
	}
	if m[7] != "" {
		for _, tok := range strings.Fields(m[7]) {
			enabled := true
			if strings.HasPrefix(tok, "!") {
				enabled = false
				tok = tok[1:]
			}
			dep.Arch = append(dep.Arch, ArchRestriction{Enabled: enabled, Wildcard: tok})
		}
	}
	for _, group := range profileGroupRE.FindAllStringSubmatch(m[8], -1) {
		var terms []ProfileTerm
		for _, tok := range strings.Fields(group[1]) {
			want := true
			if strings.HasPrefix(tok, "!") {
				want = false
				tok = tok[1:]
			}
			active := activeProfiles[tok]
			terms = append(terms, ProfileTerm{Enabled: active == want, Profile: tok})
		}
		dep.Restrictions = append(dep.Restrictions, terms)
	}
	return dep, nil
}

// splitTopLevel splits s on sep, ignoring occurrences inside ()/[]/<>.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	parens, depth := 0, 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '(':
			parens++
		case c == ')':
			parens--
		case parens > 0:
			// '<' and '>' inside parentheses are version operators.
		case c == '[' || c == '<':
			depth++
		case c == ']' || c == '>':
			depth--
		case c == sep && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// AvailablePackages maps a package name to the set of versions available
// for it in a chroot's apt lists; an empty-string entry in the set records
// an unversioned virtual Provides.
type AvailablePackages map[string]map[string]bool

// AddPackagesFile parses one apt Packages file (RFC822-ish stanzas
// separated by blank lines) into avail, recording each "Package"/
// "Version" pair and any exact-version-or-unversioned "Provides" entries
// (disjunctive Provides are ignored, matching the upstream behaviour).
func AddPackagesFile(avail AvailablePackages, r io.Reader) error {
	stanzas, err := parseStanzas(r)
	if err != nil {
		return err
	}
	for _, st := range stanzas {
		pkg := st["package"]
		if pkg == "" {
			continue
		}
		version := st["version"]
		addVersion(avail, pkg, version)

		provides := st["provides"]
		if provides == "" {
			continue
		}
		for _, clause := range splitTopLevel(provides, ',') {
			alts := splitTopLevel(clause, '|')
			if len(alts) != 1 {
				continue // disjunctive provides are ignored
			}
			dep, err := parseDependency(strings.TrimSpace(alts[0]), nil)
			if err != nil {
				continue
			}
			if dep.Version != nil && dep.Version.Operator != "=" {
				continue
			}
			if dep.Version != nil {
				addVersion(avail, dep.Name, dep.Version.Version)
			} else {
				addVersion(avail, dep.Name, "")
			}
		}
	}
	return nil
}

func addVersion(avail AvailablePackages, pkg, version string) {
	set, ok := avail[pkg]
	if !ok {
		set = map[string]bool{}
		avail[pkg] = set
	}
	set[version] = true
}

// parseStanzas is a minimal RFC822-style (deb822) stanza parser: fields
// are "Key: value", continuation lines are indented, stanzas are
// separated by blank lines. Keys are lowercased.
func parseStanzas(r io.Reader) ([]map[string]string, error) {
	var stanzas []map[string]string
	cur := map[string]string{}
	var lastKey string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				stanzas = append(stanzas, cur)
				cur = map[string]string{}
			}
			lastKey = ""
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			cur[lastKey] += "\n" + strings.TrimSpace(line)
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		cur[key] = strings.TrimSpace(line[idx+1:])
		lastKey = key
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("depwait: reading packages file: %w", err)
	}
	if len(cur) > 0 {
		stanzas = append(stanzas, cur)
	}
	return stanzas, nil
}

// ReadAptListsDir is the fallback path for reading apt Packages files
// directly out of /var/lib/apt/lists/*_Packages when apt-get indextargets
// isn't available (e.g. very old releases).
func ReadAptListsDir(dir string) (AvailablePackages, error) {
	avail := AvailablePackages{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Errorf("depwait: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_Packages") {
			continue
		}
		f, err := os.Open(dir + "/" + e.Name())
		if err != nil {
			return nil, xerrors.Errorf("depwait: %w", err)
		}
		err = AddPackagesFile(avail, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return avail, nil
}

// ArchMatcher decides whether an arch restriction wildcard matches the
// current architecture (in the binarypackage manager, backed by
// dpkg-architecture -a<arch> -i<wildcard>, run afresh on every call).
type ArchMatcher func(arch, wildcard string) bool

// Matches reports whether dep is satisfied given avail, the build's
// architecture, and archMatches. It mirrors relationMatches: an arch or
// build-profile restriction that rules the dependency out entirely on
// this configuration is treated as "matched" (the dependency is simply
// not relevant here), not as unsatisfied.
func Matches(dep Dependency, avail AvailablePackages, arch string, archMatches ArchMatcher) bool {
	if len(dep.Arch) > 0 {
		archMatch := false
		matched := false
		for _, r := range dep.Arch {
			if archMatches(arch, r.Wildcard) {
				archMatch = r.Enabled
				matched = true
				break
			} else if !r.Enabled {
				archMatch = true
			}
		}
		_ = matched
		if !archMatch {
			return true
		}
	}
	if len(dep.Restrictions) > 0 {
		allGroupsEnabled := true
		for _, group := range dep.Restrictions {
			anyEnabled := false
			for _, term := range group {
				if term.Enabled {
					anyEnabled = true
					break
				}
			}
			if !anyEnabled {
				allGroupsEnabled = false
				break
			}
		}
		if !allGroupsEnabled {
			return true
		}
	}

	versions, ok := avail[dep.Name]
	if !ok {
		return false
	}
	if dep.Version == nil {
		return true
	}
	cmp := compareOperator(dep.Version.Operator)
	for v := range versions {
		if v == "" {
			continue // unversioned virtual provides never satisfy a versioned dep
		}
		if cmp(CompareVersions(v, dep.Version.Version)) {
			return true
		}
	}
	return false
}

func compareOperator(op string) func(int) bool {
	switch op {
	case "<<":
		return func(c int) bool { return c < 0 }
	case "<=":
		return func(c int) bool { return c <= 0 }
	case "=":
		return func(c int) bool { return c == 0 }
	case ">=":
		return func(c int) bool { return c >= 0 }
	case ">>":
		return func(c int) bool { return c > 0 }
	default:
		return func(int) bool { return false }
	}
}

// StripDependencies renders unsatDeps back into a human-readable
// dependency relation string with architecture/archqual/build-profile
// qualifiers stripped, matching stripDependencies: the build master only
// understands plain package(+version) relations.
func StripDependencies(unsatDeps []OrDependency) string {
	var clauses []string
	for _, or := range unsatDeps {
		var alts []string
		for _, dep := range or {
			s := dep.Name
			if dep.Version != nil {
				s += fmt.Sprintf(" (%s %s)", dep.Version.Operator, dep.Version.Version)
			}
			alts = append(alts, s)
		}
		clauses = append(clauses, strings.Join(alts, " | "))
	}
	return strings.Join(clauses, ", ")
}

// AnalyseDepWait returns the stripped dependency string describing which
// of deps remain unsatisfied given avail, or "" if all are satisfied (in
// which case the caller should treat the build as PACKAGEFAIL rather than
// DEPFAIL). Only direct build-dependencies are considered, matching the
// "err on the side of failing rather than an inaccurate dep-wait" policy
// policy; any error from the caller's analysis should do likewise.
func AnalyseDepWait(deps []OrDependency, avail AvailablePackages, arch string, archMatches ArchMatcher) string {
	var unsat []OrDependency
	for _, or := range deps {
		satisfied := false
		for _, dep := range or {
			if Matches(dep, avail, arch, archMatches) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			unsat = append(unsat, or)
		}
	}
	return StripDependencies(unsat)
}

// CompareVersions compares two Debian package version strings per the
// standard epoch:upstream-version-debian-revision ordering, returning
// <0, 0, or >0. It matches the comparison rules of dpkg --compare-versions
// closely enough for dep-wait analysis (full correctness, including the
// exact tilde ordering of pre-release versions).
func CompareVersions(a, b string) int {
	ea, ua, ra := splitVersion(a)
	eb, ub, rb := splitVersion(b)
	if ea != eb {
		if ea < eb {
			return -1
		}
		return 1
	}
	if c := compareVersionPart(ua, ub); c != 0 {
		return c
	}
	return compareVersionPart(ra, rb)
}

func splitVersion(v string) (epoch int, upstream, revision string) {
	if i := strings.IndexByte(v, ':'); i >= 0 {
		epoch, _ = strconv.Atoi(v[:i])
		v = v[i+1:]
	}
	if i := strings.LastIndexByte(v, '-'); i >= 0 {
		return epoch, v[:i], v[i+1:]
	}
	return epoch, v, "0"
}

// compareVersionPart implements dpkg's fragment-comparison algorithm:
// alternating non-digit and digit runs are compared in turn, with
// "~" sorting before everything, including the empty string.
func compareVersionPart(a, b string) int {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		// Compare non-digit runs lexically, with dpkg's tilde rule.
		si := i
		sj := j
		for i < len(a) && !isDigit(a[i]) {
			i++
		}
		for j < len(b) && !isDigit(b[j]) {
			j++
		}
		if c := compareNonDigit(a[si:i], b[sj:j]); c != 0 {
			return c
		}

		si = i
		sj = j
		for i < len(a) && isDigit(a[i]) {
			i++
		}
		for j < len(b) && isDigit(b[j]) {
			j++
		}
		na := parseDigits(a[si:i])
		nb := parseDigits(b[sj:j])
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func parseDigits(s string) int {
	n, _ := strconv.Atoi(strings.TrimLeft(s, "0"))
	return n
}

// compareNonDigit compares two non-digit runs character by character,
// where '~' sorts lower than anything (including the string end) and
// letters sort lower than non-letters.
func compareNonDigit(a, b string) int {
	i := 0
	for i < len(a) || i < len(b) {
		var ca, cb rune = -1, -1
		if i < len(a) {
			ca = rune(a[i])
		}
		if i < len(b) {
			cb = rune(b[i])
		}
		if ca == cb {
			i++
			continue
		}
		ra := nonDigitRank(ca)
		rb := nonDigitRank(cb)
		if ra != rb {
			if ra < rb {
				return -1
			}
			return 1
		}
		if ca < cb {
			return -1
		}
		return 1
	}
	return 0
}

// nonDigitRank orders '~' lowest, then end-of-string, then letters, then
// everything else, per Debian's version-comparison rules.
func nonDigitRank(c rune) int {
	switch {
	case c == '~':
		return 0
	case c == -1:
		return 1
	case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		return 2
	default:
		return int(c) + 3
	}
}
