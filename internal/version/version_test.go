package version

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeGit(exactErr error, describe string, descErr error) func(...string) (string, error) {
	return func(args ...string) (string, error) {
		switch args[0] {
		case "rev-parse":
			return ".git", nil
		case "describe":
			for _, a := range args {
				if a == "--exact-match" {
					return "v1.0.0", exactErr
				}
			}
			return describe, descErr
		default:
			return "", fmt.Errorf("unexpected git subcommand %q", args[0])
		}
	}
}

func TestResolveVersion(t *testing.T) {
	t.Parallel()

	noTag := fmt.Errorf("no tag")
	notARepo := func(...string) (string, error) { return "", fmt.Errorf("not a git repository") }

	cases := map[string]struct {
		base string
		git  func(...string) (string, error)
		want string
	}{
		"tagged release":     {"1.0.0", fakeGit(nil, "", nil), "1.0.0"},
		"commits after tag":  {"1.0.0", fakeGit(noTag, "v1.0.0-3-gabcdef", nil), "1.0.0-3-gabcdef"},
		"dirty tree":         {"1.0.0", fakeGit(noTag, "v1.0.0-3-gabcdef-dirty", nil), "1.0.0-3-gabcdef-dirty"},
		"no tags":            {"1.0.0", fakeGit(noTag, "abcdef", nil), "1.0.0-abcdef"},
		"not a repo":         {"1.0.0", notARepo, "1.0.0"},
		"empty base":         {"", notARepo, "0.0.0"},
		"describe fails":     {"1.0.0", fakeGit(noTag, "", fmt.Errorf("boom")), "1.0.0"},
		"other tag lineage":  {"2.0.0", fakeGit(noTag, "v1.9.0-4-g123456", nil), "2.0.0-v1.9.0-4-g123456"},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, resolveVersion(tc.base, tc.git))
		})
	}
}

func TestInfoString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "voxd v0.1.0", Info{Version: "0.1.0", Commit: "unknown"}.String())
	require.Equal(t, "voxd v0.1.0 (abc1234)", Info{Version: "0.1.0", Commit: "abc1234"}.String())
	require.Equal(t, "voxd v0.1.0 (abc1234, 2026-10-01)", Info{Version: "0.1.0", Commit: "abc1234", Date: "2026-10-01"}.String())
}

func TestCurrentIsStable(t *testing.T) {
	t.Parallel()

	first := Current()
	require.NotEmpty(t, first.Version)
	require.NotEmpty(t, first.GoVersion)
	require.Equal(t, first, Current())
}
