package httpserver

import "time"

// ShutdownTimeout controls how long to wait for graceful shutdowns when the
// configuration does not say otherwise.
var ShutdownTimeout = 15 * time.Second
