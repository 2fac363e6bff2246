package model

import (
	"regexp"
	"strconv"
	"strings"
)

// RuntimeEnvironment is an identifier of the form name-version, for example
// python-3.10.2 or samtools-1.9-rc1.
type RuntimeEnvironment struct {
	ID      string
	Name    string
	Version string
}

// ParseRuntimeEnvironment splits id on its first dash. Without a dash the
// whole id is the name and the version is empty.
func ParseRuntimeEnvironment(id string) RuntimeEnvironment {
	name, version, _ := strings.Cut(id, "-")
	return RuntimeEnvironment{ID: id, Name: name, Version: version}
}

func (r *RuntimeEnvironment) UnmarshalText(b []byte) error {
	*r = ParseRuntimeEnvironment(string(b))
	return nil
}

func (r RuntimeEnvironment) MarshalText() ([]byte, error) {
	return []byte(r.ID), nil
}

func (r RuntimeEnvironment) String() string {
	return r.ID
}

// Compare orders environments of the same name by version, others by id.
func (r RuntimeEnvironment) Compare(o RuntimeEnvironment) int {
	if r.Name == o.Name {
		return CompareVersions(r.Version, o.Version)
	}
	return strings.Compare(r.ID, o.ID)
}

// AtLeastAsCapableAs is true for the same name and an equal or higher version.
func (r RuntimeEnvironment) AtLeastAsCapableAs(o RuntimeEnvironment) bool {
	if r.Name != o.Name {
		return false
	}
	return CompareVersions(r.Version, o.Version) >= 0
}

func (r RuntimeEnvironment) AtLeastAsCapableAsAnyOf(envs []RuntimeEnvironment) bool {
	for _, o := range envs {
		if r.AtLeastAsCapableAs(o) {
			return true
		}
	}
	return false
}

func (r RuntimeEnvironment) IsInferiorToAtLeastOneIn(envs []RuntimeEnvironment) bool {
	for _, o := range envs {
		if o.AtLeastAsCapableAs(r) {
			return true
		}
	}
	return false
}

var versionSepRx = regexp.MustCompile(`[.-]`)

// CompareVersions compares versions segment by segment, segments are
// separated by dots and dashes. Two numeric segments compare as numbers,
// anything else lexicographically. When one version is a prefix of the
// other, the longer one is greater.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	as := splitVersion(a)
	bs := splitVersion(b)
	for i, aa := range as {
		if i >= len(bs) {
			return 1
		}
		bb := bs[i]
		if aa == bb {
			continue
		}
		ai, aerr := strconv.Atoi(aa)
		bi, berr := strconv.Atoi(bb)
		if aerr == nil && berr == nil {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			// 01 and 1 are the same segment
			continue
		}
		return strings.Compare(aa, bb)
	}
	if len(bs) > len(as) {
		return -1
	}
	return 0
}

// splitVersion drops trailing empty segments, so "1." has a single segment.
func splitVersion(v string) []string {
	parts := versionSepRx.Split(v, -1)
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
