package session

import (
	"strings"

	"github.com/chromedp/cdproto/target"
)

// strayTargets returns page targets that are not in the known set.
// Non-page targets (service workers, extensions, devtools) are never
// considered stray.
func strayTargets(known map[string]bool, targets []*target.Info) []target.ID {
	var stray []target.ID
	for _, info := range targets {
		if info.Type != "page" {
			continue
		}
		if strings.HasPrefix(info.URL, "devtools://") || strings.HasPrefix(info.URL, "chrome-extension://") {
			continue
		}
		if known[string(info.TargetID)] {
			continue
		}
		stray = append(stray, info.TargetID)
	}
	return stray
}
