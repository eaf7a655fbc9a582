// Package idgen hands out the identifiers kloop attaches to runs and
// distribution connections.
package idgen

import (
	"fmt"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	RunPrefix        = "run-"
	ConnectionPrefix = "conn-"

	// Lowercase only, so run ids are safe as file names and S3 keys on
	// case-insensitive filesystems.
	alphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
	runSuffix  = 6
	connSuffix = 10

	runStamp = "20060102-150405"
)

// now is swapped in tests.
var now = time.Now

// RunID returns an id of the form run-YYYYMMDD-HHMMSS-xxxxxx. The UTC start
// time keeps transcripts and journal rows sorted by when the run began.
func RunID() (string, error) {
	suffix, err := nanoid.Generate(alphabet, runSuffix)
	if err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}
	return RunPrefix + now().UTC().Format(runStamp) + "-" + suffix, nil
}

// ConnectionID returns a random id for an event stream connection.
func ConnectionID() (string, error) {
	suffix, err := nanoid.Generate(alphabet, connSuffix)
	if err != nil {
		return "", fmt.Errorf("generating connection id: %w", err)
	}
	return ConnectionPrefix + suffix, nil
}
