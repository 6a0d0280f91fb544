// Package schemasassets embeds the JSON schemas the CLI validates input
// files against, so validation works from any working directory.
package schemasassets

import _ "embed"

// JobManifestSchema is the job-manifest JSON schema read by
// `cacheout submit --file`.
//
//go:embed job-manifest.schema.json
var JobManifestSchema []byte
