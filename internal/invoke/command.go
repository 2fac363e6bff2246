package invoke

import (
	"strings"

	"github.com/alessio/shellescape"

	"github.com/CZERTAINLY/exttool/internal/model"
)

// Substitute replaces every %%NAME%% token of template by tags[NAME]. The
// values are inserted verbatim, unknown tokens are left in place.
func Substitute(template string, tags map[string]string) string {
	pairs := make([]string, 0, 2*len(tags))
	for name, value := range tags {
		pairs = append(pairs, "%%"+name+"%%", value)
	}
	// a single pass, values are never scanned for further tokens
	return strings.NewReplacer(pairs...).Replace(template)
}

// stagingCommand fills a link or copy template of a node.
func stagingCommand(template, original, targetName, target string) string {
	return Substitute(template, map[string]string{
		model.TokenPathToOriginal: original,
		model.TokenTargetName:     targetName,
		model.TokenPathToTarget:   target,
	})
}

// compose returns "cd <dir> && <preceding>... && <command>".
func compose(dir string, preceding []string, command string) string {
	parts := make([]string, 0, len(preceding)+2)
	parts = append(parts, "cd "+shellescape.Quote(dir))
	parts = append(parts, preceding...)
	parts = append(parts, command)
	return strings.Join(parts, " && ")
}
