package common

import (
	"github.com/ipfs/go-log"
)

// Logger is the package-wide logger for the mpc-node library packages.
// The node runtime carries its own zap logger; library code logs here so
// callers can tune verbosity with log.SetLogLevel("mpc-node", ...).
var Logger = log.Logger("mpc-node")
