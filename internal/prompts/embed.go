// Package prompts provides externalized prompt templates with override support.
package prompts

import "embed"

//go:embed task/*.md planning/*.md
var embeddedFS embed.FS
