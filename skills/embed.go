// Package defaultskills embeds the skills shipped with sqlassistd. The
// runtime store that reads them lives in internal/skills.
package defaultskills

import "embed"

// FS holds one directory per skill, each with description.txt and content.md.
//
//go:embed sales_analytics inventory_management
var FS embed.FS
